package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

// TaskRunner executes one background task.
type TaskRunner interface {
	Run(ctx context.Context, task models.TaskData) error
}

// LogRunner records the task and succeeds.
type LogRunner struct {
	Logger *logrus.Logger
}

func (r LogRunner) Run(_ context.Context, task models.TaskData) error {
	logger := r.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"action":  task.Action,
	}).Info("Running task")
	return nil
}

// ActionFunc handles one task action.
type ActionFunc func(ctx context.Context, taskID string, payload map[string]any) error

// ActionRunner dispatches tasks by action name. Unknown actions fail permanently.
type ActionRunner struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewActionRunner() *ActionRunner {
	return &ActionRunner{actions: make(map[string]ActionFunc)}
}

// Register binds fn to action, replacing any previous handler.
func (r *ActionRunner) Register(action string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action] = fn
}

func (r *ActionRunner) Run(ctx context.Context, task models.TaskData) error {
	r.mu.RLock()
	fn, ok := r.actions[task.Action]
	r.mu.RUnlock()
	if !ok {
		return failure.Permanent(fmt.Errorf("%w: %q", failure.ErrUnknownAction, task.Action))
	}
	return fn(ctx, task.TaskID, task.Payload)
}

// Task hands task envelopes to a TaskRunner.
type Task struct {
	base
	runner TaskRunner
}

func NewTask(runner TaskRunner, opts ...Option) *Task {
	t := &Task{base: newBase(models.TagTask, opts), runner: runner}
	if t.runner == nil {
		t.runner = LogRunner{Logger: t.logger}
	}
	return t
}

func (t *Task) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := t.check(env); err != nil {
		return err
	}
	data, ok := env.Data().(models.TaskData)
	if !ok {
		return t.mismatch(env)
	}
	start := time.Now()
	defer func() {
		t.done(start, err, map[string]any{"task_id": data.TaskID, "action": data.Action})
	}()
	return t.runner.Run(ctx, data)
}
