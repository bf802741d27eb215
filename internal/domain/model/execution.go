package model

import "time"

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusError     ExecutionStatus = "error"
)

// Rank orders statuses along pending -> running -> completed|error.
// Unknown statuses rank -1.
func (s ExecutionStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

func (s ExecutionStatus) Valid() bool { return s.Rank() >= 0 }

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Re-writing the same rank is allowed so duplicate terminal
// callbacks are accepted.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if !next.Valid() {
		return false
	}
	if !s.Valid() {
		return true
	}
	return next.Rank() >= s.Rank()
}

// Execution is the tracked state of one code run.
type Execution struct {
	ID            string          `json:"execution_id"`
	OwnerID       string          `json:"owner_id"`
	Code          string          `json:"code"`
	Language      string          `json:"language"`
	InputData     string          `json:"input_data"`
	Status        ExecutionStatus `json:"status"`
	Output        string          `json:"output"`
	ErrorOutput   string          `json:"error_output"`
	ExecutionTime string          `json:"execution_time"`
	MemoryUsage   string          `json:"memory_usage"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

func (e *Execution) IsTerminal() bool { return e.Status.Terminal() }

// OwnedBy reports whether ownerID may read or subscribe to e.
func (e *Execution) OwnedBy(ownerID string) bool {
	return ownerID != "" && e.OwnerID == ownerID
}
