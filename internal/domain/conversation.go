package domain

import "time"

// ConversationID identifies one customer support chat thread.
type ConversationID = string

// PendingBatch is the buffered, not yet consumed state of a conversation.
// A record exists only while at least one fragment is waiting.
type PendingBatch struct {
	ConversationID  ConversationID
	Fragments       []string
	FirstUpdateTime time.Time
	LastUpdateTime  time.Time
	Version         int64
}

// JobStatus mirrors the status reported by the deferred job service.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobStopped   JobStatus = "STOPPED"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// ScheduledJob is a handle to one deferred consolidation attempt.
type ScheduledJob struct {
	ID             string
	ConversationID ConversationID
	ExecutionName  string
	Version        int64
	Status         JobStatus
}

// SchedulerSource tags the re-entry event produced by a fired deferred job.
const SchedulerSource = "chat-scheduler"

// ScheduledEvent is the payload a deferred job carries back to the entry
// point once its delay elapses. Version zero means the consume is
// unconditional.
type ScheduledEvent struct {
	Source  string         `json:"source"`
	ChatID  ConversationID `json:"chat_id"`
	Version int64          `json:"version,omitempty"`
}

// State is a step of the per-conversation processing state machine.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateBuffered    State = "BUFFERED"
	StateScheduled   State = "SCHEDULED"
	StateConsuming   State = "CONSUMING"
	StateDispatching State = "DISPATCHING"
	StateDelivered   State = "DELIVERED"
	StateSkipped     State = "SKIPPED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateSkipped, StateFailed:
		return true
	}
	return false
}
