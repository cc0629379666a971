package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/bootstrap"
	"go-dispatch/internal/config"
	"go-dispatch/internal/consumer"
	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/processor"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

const healthInterval = 30 * time.Second

func main() {
	serviceName := flag.String("service", "dispatch-consumer", "service name used in logs")
	logCustom := flag.Bool("log-custom", false, "register a processor that logs custom envelopes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()
	logger.WithFields(logrus.Fields{"service": *serviceName, "transport": cfg.Transport}).Info("Starting dispatch consumer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.WithField("signal", sig.String()).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics := observability.NewInMemoryMetrics()
	endpoint, err := bootstrap.OpenSource(ctx, cfg, metrics, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open transport")
	}
	defer endpoint.Close()

	r, closeRouter := bootstrap.Router(cfg, metrics, logger)
	defer closeRouter()

	if *logCustom {
		custom, err := processor.NewCustom(processor.Func(func(_ context.Context, env *models.Envelope) error {
			logger.WithFields(logrus.Fields{
				"data":     env.Data(),
				"metadata": env.Metadata(),
			}).Info("Custom message received")
			return nil
		}), processor.WithLogger(logger), processor.WithObserver(metrics))
		if err != nil {
			logger.WithError(err).Fatal("Failed to build custom processor")
		}
		r.RegisterProcessor(models.TagCustom, custom)
	}

	dedupe := consumer.NewInMemoryDedupeStore(cfg.Consumer.DedupeTTL)
	defer dedupe.Close()

	c, err := consumer.New(endpoint.Source, r, consumer.Config{
		Workers:           cfg.Consumer.Workers,
		ProcessingTimeout: cfg.Consumer.ProcessingTimeout,
		RetryPolicy: failure.RetryPolicy{
			MaxRetries:     cfg.Consumer.RetryMax,
			InitialBackoff: cfg.Consumer.InitialBackoff,
			MaxBackoff:     cfg.Consumer.MaxBackoff,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		DedupeStore: dedupe,
		Metrics:     metrics,
		Observer:    metrics,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create consumer")
	}

	if endpoint.Health != nil {
		monitor := transport.NewHealthMonitor(endpoint.Health, 5, logger)
		go monitor.Loop(ctx, healthInterval, nil)
	}

	if err := c.Run(ctx); err != nil {
		logger.WithError(err).Error("Consumer stopped with error")
	}
	logger.Info("Consumer shut down")
}
