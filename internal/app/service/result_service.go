package service

import (
	"context"
	"time"

	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"
	"code_exec_service/internal/platform/compiler"

	"github.com/rs/zerolog/log"
)

const (
	ModeSync    = "sync"
	ModeWebhook = "webhook"
	ModeWorker  = "worker"
)

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeIgnored         // unknown or expired execution
	OutcomeRejected        // would move the status backwards
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Notifier is told about every applied change, keyed by owner.
type Notifier interface {
	Notify(ownerID string, exec *model.Execution)
}

// Archiver receives terminal records. Implementations must not block.
type Archiver interface {
	Archive(exec *model.Execution)
}

// ResultService writes status transitions and provider results into the
// store, then fans the new state out to live subscribers and the archive.
type ResultService struct {
	repo       repository.ExecutionRepository
	normalizer *compiler.StatusNormalizer
	notifier   Notifier
	archiver   Archiver
	metrics    *monitor.Metrics
	now        func() time.Time
}

func NewResultService(
	repo repository.ExecutionRepository,
	normalizer *compiler.StatusNormalizer,
	notifier Notifier,
	archiver Archiver,
	metrics *monitor.Metrics,
) *ResultService {
	if normalizer == nil {
		normalizer = compiler.NewStatusNormalizer(nil)
	}
	return &ResultService{
		repo:       repo,
		normalizer: normalizer,
		notifier:   notifier,
		archiver:   archiver,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Apply stores a provider result as the terminal state of id. Results for
// unknown ids are ignored and never create a record.
func (s *ResultService) Apply(ctx context.Context, id string, res compiler.Result, mode string) (Outcome, error) {
	status := s.normalizer.Normalize(res)
	upd := repository.ExecutionUpdate{
		Status:        status,
		Output:        &res.Output,
		ErrorOutput:   &res.Error,
		ExecutionTime: &res.CPUTime,
		MemoryUsage:   &res.Memory,
		UpdatedAt:     s.now(),
	}

	outcome, err := s.update(ctx, id, upd, mode)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeIgnored && s.metrics != nil {
		s.metrics.IgnoredCallbacks.Inc()
	}
	log.Info().
		Str("execution_id", id).
		Str("provider_status", res.Status).
		Str("status", string(status)).
		Str("mode", mode).
		Str("outcome", outcome.String()).
		Msg("execution result received")
	return outcome, nil
}

func (s *ResultService) MarkRunning(ctx context.Context, id string) (Outcome, error) {
	return s.update(ctx, id, repository.ExecutionUpdate{
		Status:    model.StatusRunning,
		UpdatedAt: s.now(),
	}, ModeWorker)
}

// Fail moves id to error with message as its error output. A record that
// already reached a terminal state is left alone.
func (s *ResultService) Fail(ctx context.Context, id, message string) (Outcome, error) {
	outcome, err := s.update(ctx, id, repository.ExecutionUpdate{
		Status:            model.StatusError,
		ErrorOutput:       &message,
		UpdatedAt:         s.now(),
		OnlyIfNotTerminal: true,
	}, ModeWorker)
	if outcome == OutcomeRejected {
		log.Warn().Str("execution_id", id).Msg("not failing execution, result already recorded")
	}
	return outcome, err
}

func (s *ResultService) update(ctx context.Context, id string, upd repository.ExecutionUpdate, mode string) (Outcome, error) {
	res, err := s.repo.Update(ctx, id, upd)
	if err != nil {
		return OutcomeIgnored, err
	}
	switch res {
	case repository.UpdateMissing:
		return OutcomeIgnored, nil
	case repository.UpdateRejected:
		return OutcomeRejected, nil
	}

	exec, found, err := s.repo.Get(ctx, id)
	if err != nil {
		// The write itself succeeded; subscribers still pick it up by polling.
		log.Warn().Err(err).Str("execution_id", id).Msg("reading back updated execution failed")
		return OutcomeApplied, nil
	}
	if !found {
		return OutcomeApplied, nil
	}

	if s.notifier != nil {
		s.notifier.Notify(exec.OwnerID, exec)
	}
	if exec.IsTerminal() {
		if s.archiver != nil {
			s.archiver.Archive(exec)
		}
		if s.metrics != nil {
			s.metrics.RecordResult(string(exec.Status), mode)
		}
	}
	return OutcomeApplied, nil
}
