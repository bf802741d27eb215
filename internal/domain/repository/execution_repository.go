package repository

import (
	"context"
	"time"

	"code_exec_service/internal/domain/model"
)

type UpdateResult int

const (
	UpdateApplied UpdateResult = iota
	UpdateMissing              // record expired or never existed
	UpdateRejected             // status would move backwards, or record already terminal
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateMissing:
		return "missing"
	case UpdateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ExecutionUpdate is a partial change to a record. Nil fields are left as is.
type ExecutionUpdate struct {
	Status        model.ExecutionStatus
	Output        *string
	ErrorOutput   *string
	ExecutionTime *string
	MemoryUsage   *string
	UpdatedAt     time.Time
	// OnlyIfNotTerminal refuses the update when the stored record has
	// already finished. Checked atomically with the write.
	OnlyIfNotTerminal bool
}

type ExecutionRepository interface {
	Put(ctx context.Context, exec *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, bool, error)
	Update(ctx context.Context, id string, upd ExecutionUpdate) (UpdateResult, error)
	Delete(ctx context.Context, id string) error
	// Changes streams the status written by each Update of id until ctx ends.
	Changes(ctx context.Context, id string) (<-chan model.ExecutionStatus, error)
	Ping(ctx context.Context) error
}

// ExecutionArchive receives terminal records for long-term storage.
type ExecutionArchive interface {
	Save(ctx context.Context, exec *model.Execution) error
}
