package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"code_exec_service/internal/common"
	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Enqueuer schedules an execution id for delegation.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string) error
}

type ExecutionService struct {
	repo    repository.ExecutionRepository
	queue   Enqueuer
	metrics *monitor.Metrics
	now     func() time.Time
}

func NewExecutionService(repo repository.ExecutionRepository, queue Enqueuer, metrics *monitor.Metrics) *ExecutionService {
	return &ExecutionService{
		repo:    repo,
		queue:   queue,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type SubmitRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	InputData string `json:"input_data"`
}

type SubmitResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Message     string                `json:"message"`
}

// Submit records a pending execution and schedules its delegation. The id is
// returned without waiting for the compiler.
func (s *ExecutionService) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*SubmitResponse, error) {
	if ownerID == "" {
		return nil, common.Errorf("owner required: %w", common.ErrUnauthorized)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, common.Errorf("code must not be empty: %w", common.ErrValidation)
	}
	if strings.TrimSpace(req.Language) == "" {
		return nil, common.Errorf("language must not be empty: %w", common.ErrValidation)
	}

	now := s.now()
	exec := &model.Execution{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Code:      req.Code,
		Language:  strings.TrimSpace(req.Language),
		InputData: req.InputData,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Put(ctx, exec); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, exec.ID); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to enqueue execution, rolling back record")
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), exec.ID); delErr != nil {
			log.Error().Err(delErr).Str("execution_id", exec.ID).Msg("rollback of unscheduled execution failed")
		}
		return nil, common.Errorf("scheduling execution: %v: %w", err, common.ErrStoreUnavailable)
	}

	if s.metrics != nil {
		s.metrics.RecordSubmission(model.NormalizeLanguage(exec.Language), len(exec.Code))
	}
	log.Info().
		Str("execution_id", exec.ID).
		Str("owner_id", ownerID).
		Str("language", exec.Language).
		Msg("execution submitted")

	return &SubmitResponse{
		ExecutionID: exec.ID,
		Status:      model.StatusPending,
		Message:     fmt.Sprintf("Code submitted for execution. Use execution_id: %s to track progress.", exec.ID),
	}, nil
}

// Get returns the record if ownerID created it.
func (s *ExecutionService) Get(ctx context.Context, ownerID, id string) (*model.Execution, error) {
	exec, found, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, common.Errorf("execution %s: %w", id, common.ErrNotFound)
	}
	if !exec.OwnedBy(ownerID) {
		return nil, common.Errorf("execution %s: %w", id, common.ErrForbidden)
	}
	return exec, nil
}
