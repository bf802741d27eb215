package service

import (
	"context"
	"sync"
	"testing"

	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"
	"code_exec_service/internal/platform/compiler"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestApply_TerminalResultIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	notifier := &recordingNotifier{}
	archiver := &recordingArchiver{}
	metrics := monitor.NewMetrics()
	svc := NewResultService(repo, nil, notifier, archiver, metrics)
	ctx := context.Background()
	seedExecution(t, repo, "e1", "u", model.StatusRunning)

	res := compiler.Result{Output: "1\n", CPUTime: "0.02", Memory: "9400", Status: "success"}
	if out, err := svc.Apply(ctx, "e1", res, ModeWebhook); err != nil || out != OutcomeApplied {
		t.Fatalf("first Apply: %v %v", out, err)
	}
	first, _, _ := repo.Get(ctx, "e1")

	if out, err := svc.Apply(ctx, "e1", res, ModeWebhook); err != nil || out != OutcomeApplied {
		t.Fatalf("second Apply: %v %v", out, err)
	}
	second, _, _ := repo.Get(ctx, "e1")

	if second.Status != model.StatusCompleted || second.Output != "1\n" || second.ExecutionTime != "0.02" || second.MemoryUsage != "9400" {
		t.Errorf("unexpected record: %+v", second)
	}
	if first.CompletedAt == nil || second.CompletedAt == nil || !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Errorf("completed_at changed: %v -> %v", first.CompletedAt, second.CompletedAt)
	}
	if notifier.count() != 2 {
		t.Errorf("notifications = %d, want 2", notifier.count())
	}
	if len(archiver.execs) != 2 {
		t.Errorf("archived = %d, want 2", len(archiver.execs))
	}
	if got := testutil.ToFloat64(metrics.ResultsTotal.WithLabelValues("completed", ModeWebhook)); got != 2 {
		t.Errorf("results_total = %v, want 2", got)
	}
}

func TestApply_UnknownExecutionIsIgnored(t *testing.T) {
	repo, mr := newTestRepo(t)
	notifier := &recordingNotifier{}
	metrics := monitor.NewMetrics()
	svc := NewResultService(repo, nil, notifier, nil, metrics)

	out, err := svc.Apply(context.Background(), "ghost", compiler.Result{Output: "x", Status: "success"}, ModeWebhook)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != OutcomeIgnored {
		t.Errorf("outcome = %v, want ignored", out)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("a record was created: %v", mr.Keys())
	}
	if notifier.count() != 0 {
		t.Error("ignored result must not notify")
	}
	if got := testutil.ToFloat64(metrics.IgnoredCallbacks); got != 1 {
		t.Errorf("ignored_results_total = %v, want 1", got)
	}
}

func TestApply_ErrorStatus(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := NewResultService(repo, compiler.NewStatusNormalizer(nil), nil, nil, nil)
	seedExecution(t, repo, "e1", "u", model.StatusRunning)

	res := compiler.Result{Error: "ModuleNotFoundError: No module named 'pandas'\n", CPUTime: "0.05", Memory: "9400", Status: "error"}
	if _, err := svc.Apply(context.Background(), "e1", res, ModeWebhook); err != nil {
		t.Fatal(err)
	}
	exec, _, _ := repo.Get(context.Background(), "e1")
	if exec.Status != model.StatusError || exec.ErrorOutput != res.Error || exec.CompletedAt == nil {
		t.Errorf("unexpected record: %+v", exec)
	}
}

func TestMarkRunning_NeverRegressesTerminal(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := NewResultService(repo, nil, nil, nil, nil)
	seedExecution(t, repo, "e1", "u", model.StatusCompleted)

	out, err := svc.MarkRunning(context.Background(), "e1")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeRejected {
		t.Errorf("outcome = %v, want rejected", out)
	}
	exec, _, _ := repo.Get(context.Background(), "e1")
	if exec.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}

func TestFail(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := NewResultService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	seedExecution(t, repo, "running", "u", model.StatusRunning)
	seedExecution(t, repo, "done", "u", model.StatusCompleted)

	if out, err := svc.Fail(ctx, "running", "Execution failed: timeout"); err != nil || out != OutcomeApplied {
		t.Fatalf("Fail(running): %v %v", out, err)
	}
	exec, _, _ := repo.Get(ctx, "running")
	if exec.Status != model.StatusError || exec.ErrorOutput != "Execution failed: timeout" || exec.CompletedAt == nil {
		t.Errorf("unexpected record: %+v", exec)
	}

	if out, _ := svc.Fail(ctx, "done", "late failure"); out != OutcomeRejected {
		t.Errorf("Fail(done) = %v, want rejected", out)
	}
	if out, _ := svc.Fail(ctx, "ghost", "x"); out != OutcomeIgnored {
		t.Errorf("Fail(ghost) = %v, want ignored", out)
	}
}

// racingRepo lands a provider result immediately before the first update
// it forwards, the way a webhook can arrive while the worker is failing.
type racingRepo struct {
	repository.ExecutionRepository
	land func()
	once sync.Once
}

func (r *racingRepo) Update(ctx context.Context, id string, upd repository.ExecutionUpdate) (repository.UpdateResult, error) {
	r.once.Do(r.land)
	return r.ExecutionRepository.Update(ctx, id, upd)
}

func TestFail_DoesNotOverwriteConcurrentResult(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	seedExecution(t, repo, "e1", "u", model.StatusRunning)

	receiver := NewResultService(repo, nil, nil, nil, nil)
	racing := &racingRepo{ExecutionRepository: repo}
	racing.land = func() {
		if _, err := receiver.Apply(ctx, "e1", compiler.Result{Output: "1\n", Status: "success"}, ModeWebhook); err != nil {
			t.Errorf("Apply: %v", err)
		}
	}
	worker := NewResultService(racing, nil, nil, nil, nil)

	out, err := worker.Fail(ctx, "e1", "Execution failed: timeout")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if out != OutcomeRejected {
		t.Errorf("Fail outcome = %v, want rejected", out)
	}

	exec, _, _ := repo.Get(ctx, "e1")
	if exec.Status != model.StatusCompleted || exec.Output != "1\n" || exec.ErrorOutput != "" {
		t.Errorf("provider result overwritten: %+v", exec)
	}
}
