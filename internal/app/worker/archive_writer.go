package worker

import (
	"context"
	"sync"
	"time"

	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	archiveRetries     = 3
	archiveSaveTimeout = 5 * time.Second
)

// ArchiveWriter copies finished executions to the archive from a single
// background goroutine so result handling never waits on Postgres.
type ArchiveWriter struct {
	archive repository.ExecutionArchive
	pending chan *model.Execution
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	retryBase time.Duration

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewArchiveWriter(archive repository.ExecutionArchive, bufferSize int, metrics *monitor.Metrics, tracer *monitor.Tracer) *ArchiveWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	return &ArchiveWriter{
		archive:   archive,
		pending:   make(chan *model.Execution, bufferSize),
		metrics:   metrics,
		tracer:    tracer,
		retryBase: 100 * time.Millisecond,
		stop:      make(chan struct{}),
	}
}

func (w *ArchiveWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

// Archive implements service.Archiver. Only terminal records are queued; a
// full buffer or a flushed writer drops the record.
func (w *ArchiveWriter) Archive(exec *model.Execution) {
	if !exec.IsTerminal() {
		log.Debug().Str("execution_id", exec.ID).Str("status", string(exec.Status)).Msg("not archiving unfinished execution")
		return
	}
	select {
	case <-w.stop:
		w.drop(exec, "archive writer stopped")
		return
	default:
	}
	select {
	case w.pending <- exec:
	default:
		w.drop(exec, "archive buffer full")
	}
}

// Flush stops intake, writes what is queued and waits up to timeout.
// Calling it again only waits.
func (w *ArchiveWriter) Flush(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.stop) })

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("execution archive flushed")
	case <-time.After(timeout):
		log.Warn().Int("queued", len(w.pending)).Msg("execution archive flush timed out")
	}
}

func (w *ArchiveWriter) drop(exec *model.Execution, reason string) {
	if w.metrics != nil {
		w.metrics.ArchiveDropped.Inc()
	}
	log.Warn().Str("execution_id", exec.ID).Msg(reason + ", dropping archive record")
}

func (w *ArchiveWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.pending:
			w.save(exec)
		case <-w.stop:
			for {
				select {
				case exec := <-w.pending:
					w.save(exec)
				default:
					return
				}
			}
		}
	}
}

// save writes exec with exponential backoff between attempts, all under one
// span per execution.
func (w *ArchiveWriter) save(exec *model.Execution) {
	ctx, span := w.tracer.StartExecutionSpan(context.Background(), "archive.save", exec)
	defer span.End()

	delay := w.retryBase
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, archiveSaveTimeout)
		err := w.archive.Save(attemptCtx, exec)
		cancel()

		if err == nil {
			span.SetAttributes(attribute.Int("codeexec.archive.attempts", attempt))
			return
		}
		if attempt > archiveRetries {
			monitor.FailSpan(span, err, "archive write failed")
			log.Error().Err(err).Str("execution_id", exec.ID).Int("attempts", attempt).Msg("archive write failed permanently")
			return
		}

		log.Warn().
			Err(err).
			Str("execution_id", exec.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("archive write failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
}
