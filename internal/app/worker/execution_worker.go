package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"code_exec_service/internal/app/service"
	"code_exec_service/internal/common/security"
	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"
	"code_exec_service/internal/platform/compiler"

	"github.com/rs/zerolog/log"
)

// Dequeuer hands out execution ids. An empty id with a nil error means the
// wait timed out.
type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}

// CompilerAPI is the subset of compiler.Client the worker calls.
type CompilerAPI interface {
	Run(ctx context.Context, req compiler.Request) (*compiler.Result, error)
	Dispatch(ctx context.Context, req compiler.Request) error
}

type Options struct {
	Workers         int
	Mode            string // service.ModeSync or service.ModeWebhook
	QueueTimeout    time.Duration
	CallbackBaseURL string
}

// ExecutionWorker delegates queued executions to the compiler API.
type ExecutionWorker struct {
	queue    Dequeuer
	repo     repository.ExecutionRepository
	results  *service.ResultService
	compiler CompilerAPI
	mapper   *compiler.LanguageMapper
	signer   *security.CallbackSigner
	opts     Options
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	wg       sync.WaitGroup
}

func NewExecutionWorker(
	queue Dequeuer,
	repo repository.ExecutionRepository,
	results *service.ResultService,
	api CompilerAPI,
	mapper *compiler.LanguageMapper,
	signer *security.CallbackSigner,
	opts Options,
	metrics *monitor.Metrics,
	tracer *monitor.Tracer,
) *ExecutionWorker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 2 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = service.ModeSync
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	return &ExecutionWorker{
		queue:    queue,
		repo:     repo,
		results:  results,
		compiler: api,
		mapper:   mapper,
		signer:   signer,
		opts:     opts,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Start launches the pool. Cancel ctx to stop it and call Wait to let
// in-flight delegations finish.
func (w *ExecutionWorker) Start(ctx context.Context) {
	log.Info().Int("workers", w.opts.Workers).Str("mode", w.opts.Mode).Msg("execution workers starting")
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

func (w *ExecutionWorker) Wait() {
	w.wg.Wait()
	log.Info().Msg("execution workers stopped")
}

func (w *ExecutionWorker) loop(ctx context.Context, n int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", n).Msg("execution worker stopping")
			return
		default:
		}

		id, err := w.queue.Dequeue(ctx, w.opts.QueueTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Int("worker", n).Msg("failed to pop from execution queue")
			sleepCtx(ctx, time.Second)
			continue
		}
		if id == "" {
			continue
		}

		// In-flight work outlives shutdown; the compiler client timeout bounds it.
		w.Process(context.WithoutCancel(ctx), id)
	}
}

// Process delegates one execution. It never leaves a record it started in
// running without a result path: failures end as error records.
func (w *ExecutionWorker) Process(ctx context.Context, id string) {
	ctx, span := w.tracer.StartSpan(ctx, "delegate",
		monitor.AttrExecID.String(id),
		monitor.AttrMode.String(w.opts.Mode),
	)
	defer span.End()

	exec, found, err := w.repo.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to load execution")
		span.RecordError(err)
		return
	}
	if !found {
		log.Warn().Str("execution_id", id).Msg("queued execution expired before delegation")
		return
	}
	if exec.Status != model.StatusPending {
		log.Warn().Str("execution_id", id).Str("status", string(exec.Status)).Msg("skipping execution that is not pending")
		return
	}

	outcome, err := w.results.MarkRunning(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to mark execution running")
		span.RecordError(err)
		return
	}
	if outcome != service.OutcomeApplied {
		log.Warn().Str("execution_id", id).Str("outcome", outcome.String()).Msg("execution changed before delegation")
		return
	}

	req := compiler.Request{
		Compiler: w.mapper.Compiler(exec.Language),
		Code:     exec.Code,
		Input:    exec.InputData,
	}
	span.SetAttributes(monitor.AttrLanguage.String(exec.Language), monitor.AttrCompiler.String(req.Compiler))

	start := time.Now()
	switch w.opts.Mode {
	case service.ModeWebhook:
		req.CallbackURL = w.callbackURL(id)
		req.ExtraParams = &compiler.ExtraParams{ExecutionID: id}
		err = w.compiler.Dispatch(ctx, req)
	default:
		var res *compiler.Result
		res, err = w.compiler.Run(ctx, req)
		if err == nil {
			w.recordDelegation(start)
			if _, aerr := w.results.Apply(ctx, id, *res, service.ModeSync); aerr != nil {
				log.Error().Err(aerr).Str("execution_id", id).Msg("failed to store compiler result")
				span.RecordError(aerr)
			}
			return
		}
	}

	if err != nil {
		monitor.FailSpan(span, err, "delegation failed")
		w.fail(ctx, id, err)
		return
	}
	w.recordDelegation(start)
	log.Info().Str("execution_id", id).Str("compiler", req.Compiler).Msg("execution dispatched, awaiting callback")
}

func (w *ExecutionWorker) callbackURL(id string) string {
	return strings.TrimRight(w.opts.CallbackBaseURL, "/") + "/api/v1/executions/webhook/" + w.signer.Token(id)
}

func (w *ExecutionWorker) fail(ctx context.Context, id string, cause error) {
	log.Error().Err(cause).Str("execution_id", id).Msg("execution delegation failed")
	if w.metrics != nil {
		w.metrics.RecordDelegationFailure(failureReason(cause))
	}
	msg := fmt.Sprintf("Execution failed: %v", cause)
	if _, err := w.results.Fail(ctx, id, msg); err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to record delegation failure")
	}
}

func (w *ExecutionWorker) recordDelegation(start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordDelegation(w.opts.Mode, time.Since(start).Seconds())
	}
}

func failureReason(err error) string {
	var timeout interface{ Timeout() bool }
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &timeout) && timeout.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "returned HTTP"):
		return "http_status"
	case strings.Contains(err.Error(), "decode"):
		return "malformed_response"
	default:
		return "transport"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
