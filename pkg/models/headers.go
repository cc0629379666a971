package models

// Transport header names.
const (
	HeaderMessageID     = "message-id"
	HeaderRetryCount    = "retry-count"
	HeaderEnvelopeType  = "envelope-type"
	HeaderOriginalTopic = "original-topic"
	HeaderFailureReason = "failure-reason"
	HeaderProcessedAt   = "processed-at"
)
