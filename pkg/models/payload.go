package models

// Payload is the tag-specific body of an envelope. The set of implementations is closed.
type Payload interface {
	Tag() Tag
	isPayload()
}

// Priority of a user notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// WebhookData describes an outbound HTTP call.
type WebhookData struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// EmailData describes a single email. HTML is optional.
type EmailData struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

// NotificationData is a push notification for one user.
type NotificationData struct {
	UserID   string   `json:"userId"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority Priority `json:"priority"`
}

// TaskData asks a worker to run a named action.
type TaskData struct {
	TaskID  string         `json:"taskId"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// AnalyticsData is a tracked product event.
type AnalyticsData struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	UserID     string         `json:"userId,omitempty"`
}

// CustomData is opaque to the core.
type CustomData map[string]any

func (WebhookData) Tag() Tag      { return TagWebhook }
func (EmailData) Tag() Tag        { return TagEmail }
func (NotificationData) Tag() Tag { return TagNotification }
func (TaskData) Tag() Tag         { return TagTask }
func (AnalyticsData) Tag() Tag    { return TagAnalytics }
func (CustomData) Tag() Tag       { return TagCustom }

func (WebhookData) isPayload()      {}
func (EmailData) isPayload()        {}
func (NotificationData) isPayload() {}
func (TaskData) isPayload()         {}
func (AnalyticsData) isPayload()    {}
func (CustomData) isPayload()       {}
