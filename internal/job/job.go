// Package job defines the job domain types shared by the queue, the store,
// the scheduler and the notification layer.
package job

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the requested audio processing operation.
type Kind string

const (
	KindConversion Kind = "conversion"
	KindCloning    Kind = "cloning"
	KindExtraction Kind = "speaker_extraction"
)

// ErrUnknownKind indicates a job kind outside the supported set.
var ErrUnknownKind = errors.New("unknown job kind")

// ParseKind validates and returns a job kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindConversion, KindCloning, KindExtraction:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Priority orders jobs in the pending queue. Lower values are served first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ErrUnknownPriority indicates a priority name outside the supported set.
var ErrUnknownPriority = errors.New("unknown priority")

// String returns the priority name used on the wire.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a wire name to a priority, defaulting to normal for the
// empty string.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// Status is the lifecycle state of a job. Transitions run strictly forward:
// queued -> processing -> {completed | failed | cancelled}. Terminal states
// are final.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle graph allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// Job is one unit of requested audio processing.
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	SessionID   string    `json:"session_id,omitempty"`
	ResultPath  string    `json:"result_path,omitempty"`
	Params      Params    `json:"params"`
}

// New creates a queued job with the given identity and parameters.
func New(id string, kind Kind, priority Priority, params Params) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		Priority:  priority,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
		Params:    params,
	}
}

// Clone returns a shallow copy safe to hand outside the owning component.
func (j *Job) Clone() *Job {
	copied := *j

	return &copied
}
