package api

import "time"

// Topic names an event stream observers can subscribe to.
type Topic string

const (
	TopicRunStarted         Topic = "workflow:run-started"
	TopicRunCompleted       Topic = "workflow:run-completed"
	TopicPluginRunCompleted Topic = "plugin:run-completed"
	TopicPluginRunFailed    Topic = "plugin:run-failed"
	TopicQueueStatus        Topic = "queue:status-update"
)

// Event is published on every run / step state transition. EntityID is the
// affected WorkflowRun or PluginRun ID (or queue name for queue events);
// Status is the entity's new state.
type Event struct {
	Topic      Topic     `json:"topic"`
	EntityID   string    `json:"entityId"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher receives state-transition events. The engine publishes through
// this interface; Broadcaster is the in-process implementation.
type Publisher interface {
	Publish(ev Event)
}

// NoopPublisher discards all events. Used when no broadcaster is wired.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
