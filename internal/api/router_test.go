package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code_exec_service/internal/api/handler"
	"code_exec_service/internal/app/service"
	"code_exec_service/internal/app/worker"
	"code_exec_service/internal/common/security"
	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"
	"code_exec_service/internal/platform/compiler"
	"code_exec_service/internal/platform/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type testEnv struct {
	srv     *httptest.Server
	mr      *miniredis.Miniredis
	repo    *repository.RedisExecutionRepository
	queue   *queue.RedisQueue
	auth    *security.JWTAuth
	signer  *security.CallbackSigner
	live    *service.LiveService
	results *service.ResultService
	worker  *worker.ExecutionWorker
}

// newTestEnv wires the full HTTP stack. compilerURL may be empty when no
// worker should run.
func newTestEnv(t *testing.T, mode, compilerURL string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	metrics := monitor.NewMetrics()
	env := &testEnv{
		mr:     mr,
		repo:   repository.NewRedisExecutionRepository(rdb, "test:", time.Hour),
		queue:  queue.NewRedisQueue(rdb, "test_queue"),
		auth:   security.NewJWTAuth("api-secret", time.Hour),
		signer: security.NewCallbackSigner("cb-secret"),
	}
	env.live = service.NewLiveService(env.repo, env.auth, service.LiveOptions{PollInterval: 100 * time.Millisecond}, metrics)
	env.results = service.NewResultService(env.repo, compiler.NewStatusNormalizer(nil), env.live, nil, metrics)
	executions := service.NewExecutionService(env.repo, env.queue, metrics)

	router := NewRouter(
		RouterConfig{MaxRequestBody: 1 << 20, MetricsEnabled: true, MetricsPath: "/metrics"},
		handler.NewExecutionHandler(executions, env.live, env.auth, 5*time.Second, time.Second),
		handler.NewWebhookHandler(env.results, env.signer),
		handler.NewAuthHandler(env.auth),
		handler.NewHealthHandler(env.repo),
		metrics,
	)
	env.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		env.live.Shutdown()
		env.srv.Close()
	})

	if compilerURL != "" {
		env.worker = worker.NewExecutionWorker(
			env.queue, env.repo, env.results,
			compiler.NewClient(compiler.Config{URL: compilerURL, Timeout: 2 * time.Second}, nil),
			compiler.NewLanguageMapper(nil, "python3"),
			env.signer,
			worker.Options{Workers: 1, Mode: mode, QueueTimeout: 50 * time.Millisecond, CallbackBaseURL: env.srv.URL},
			metrics, nil,
		)
		ctx, cancel := context.WithCancel(context.Background())
		env.worker.Start(ctx)
		t.Cleanup(func() {
			cancel()
			env.worker.Wait()
		})
	}
	return env
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.GenerateToken(user, user+"@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) submit(t *testing.T, token, code string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/executions/execute", token, map[string]string{
		"code": code, "language": "python", "input_data": "",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: got status %d, want 200 (%v)", resp.StatusCode, body)
	}
	if body["status"] != "pending" {
		t.Fatalf("submit status = %v, want pending", body["status"])
	}
	id, _ := body["execution_id"].(string)
	if id == "" {
		t.Fatal("no execution_id returned")
	}
	return id
}

func (e *testEnv) waitStatus(t *testing.T, token, id string, want model.ExecutionStatus) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := e.do(t, http.MethodGet, "/api/v1/executions/status/"+id, token, nil)
		if body["status"] == string(want) {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want %s", body["status"], want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func fakeCompiler(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRoundTrip_Sync(t *testing.T) {
	compilerURL := fakeCompiler(t, func(w http.ResponseWriter, r *http.Request) {
		var req compiler.Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Compiler != "python3" || req.Code != "print(1)" {
			t.Errorf("unexpected compiler request: %+v", req)
		}
		w.Write([]byte(`{"output":"1\n","error":"","cpuTime":"0.02","memory":"9400"}`))
	})
	env := newTestEnv(t, service.ModeSync, compilerURL)
	tok := env.token(t, "alice")

	id := env.submit(t, tok, "print(1)")
	body := env.waitStatus(t, tok, id, model.StatusCompleted)

	if body["output"] != "1\n" || body["execution_time"] != "0.02" || body["memory_usage"] != "9400" {
		t.Errorf("unexpected record: %v", body)
	}
	if body["completed_at"] == nil {
		t.Error("completed_at missing")
	}
	if body["execution_id"] != id || body["owner_id"] != "alice" {
		t.Errorf("identity fields wrong: %v", body)
	}
}

func TestRoundTrip_CompilerFailureBecomesError(t *testing.T) {
	compilerURL := fakeCompiler(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})
	env := newTestEnv(t, service.ModeSync, compilerURL)
	tok := env.token(t, "alice")

	id := env.submit(t, tok, "print(1)")
	body := env.waitStatus(t, tok, id, model.StatusError)
	if msg, _ := body["error_output"].(string); !strings.Contains(msg, "429") {
		t.Errorf("error_output = %q, want provider status", msg)
	}
}

func TestRoundTrip_Webhook(t *testing.T) {
	dispatched := make(chan compiler.Request, 1)
	compilerURL := fakeCompiler(t, func(w http.ResponseWriter, r *http.Request) {
		var req compiler.Request
		json.NewDecoder(r.Body).Decode(&req)
		dispatched <- req
		w.WriteHeader(http.StatusAccepted)
	})
	env := newTestEnv(t, service.ModeWebhook, compilerURL)
	tok := env.token(t, "alice")

	id := env.submit(t, tok, "print(1)")
	var req compiler.Request
	select {
	case req = <-dispatched:
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not dispatched")
	}
	env.waitStatus(t, tok, id, model.StatusRunning)

	callback := strings.TrimPrefix(req.CallbackURL, env.srv.URL)
	payload := map[string]any{
		"output": "1\n", "error": "", "cpu": "0.05", "memory": 9400, "status": "success",
		"extra_params": map[string]string{"execution_id": req.ExtraParams.ExecutionID},
	}
	resp, body := env.do(t, http.MethodPost, callback, "", payload)
	if resp.StatusCode != http.StatusOK || body["status"] != "success" {
		t.Fatalf("webhook: got status %d body %v", resp.StatusCode, body)
	}

	rec := env.waitStatus(t, tok, id, model.StatusCompleted)
	if rec["memory_usage"] != "9400" || rec["execution_time"] != "0.05" {
		t.Errorf("unexpected record: %v", rec)
	}
	firstCompleted := rec["completed_at"]

	// A duplicate callback is accepted and leaves completed_at alone.
	resp, _ = env.do(t, http.MethodPost, callback, "", payload)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("duplicate webhook: got status %d, want 200", resp.StatusCode)
	}
	rec = env.waitStatus(t, tok, id, model.StatusCompleted)
	if rec["completed_at"] != firstCompleted {
		t.Errorf("completed_at changed: %v -> %v", firstCompleted, rec["completed_at"])
	}
}

func TestWebhook_Rejections(t *testing.T) {
	env := newTestEnv(t, service.ModeWebhook, "")
	tok := env.token(t, "alice")
	id := env.submit(t, tok, "print(1)")

	tests := []struct {
		name       string
		path       string
		payload    map[string]any
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown execution",
			path:       "/api/v1/executions/webhook/" + env.signer.Token("ghost"),
			payload:    map[string]any{"output": "x", "extra_params": map[string]string{"execution_id": "ghost"}},
			wantStatus: http.StatusNotFound,
			wantBody:   "ignored",
		},
		{
			name:       "empty extra params",
			path:       "/api/v1/executions/webhook/" + env.signer.Token(id),
			payload:    map[string]any{"output": "x", "extra_params": ""},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad token",
			path:       "/api/v1/executions/webhook/forged",
			payload:    map[string]any{"output": "x", "extra_params": map[string]string{"execution_id": id}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token for another execution",
			path:       "/api/v1/executions/webhook/" + env.signer.Token("other"),
			payload:    map[string]any{"output": "x", "extra_params": map[string]string{"execution_id": id}},
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, "", tt.payload)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantBody != "" && body["status"] != tt.wantBody {
				t.Errorf("body status = %v, want %s", body["status"], tt.wantBody)
			}
		})
	}

	exec, found, err := env.repo.Get(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("submitted record missing: found=%v err=%v", found, err)
	}
	if exec.Status != model.StatusPending {
		t.Errorf("rejected callbacks changed the record: %+v", exec)
	}
	if _, found, _ := env.repo.Get(context.Background(), "ghost"); found {
		t.Error("unknown callback created a record")
	}
}

func TestExecutions_AuthAndOwnership(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")
	alice, bob := env.token(t, "alice"), env.token(t, "bob")
	id := env.submit(t, alice, "print(1)")

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{"owner", alice, "/api/v1/executions/status/" + id, http.StatusOK},
		{"other user", bob, "/api/v1/executions/status/" + id, http.StatusForbidden},
		{"unknown", alice, "/api/v1/executions/status/nope", http.StatusNotFound},
		{"no token", "", "/api/v1/executions/status/" + id, http.StatusUnauthorized},
		{"bad token", "garbage", "/api/v1/executions/status/" + id, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodGet, tt.path, tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestExecute_Validation(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")
	tok := env.token(t, "alice")

	for name, body := range map[string]any{
		"empty code":     map[string]string{"code": "", "language": "python"},
		"blank language": map[string]string{"code": "print(1)", "language": "  "},
		"not json":       "just a string",
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/api/v1/executions/execute", tok, body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestExecute_StoreDown(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")
	tok := env.token(t, "alice")
	env.mr.Close()

	resp, _ := env.do(t, http.MethodPost, "/api/v1/executions/execute", tok, map[string]string{"code": "x", "language": "go"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")

	resp, body := env.do(t, http.MethodGet, "/health/", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" || body["service"] != "Code Execution Service" {
		t.Errorf("health: %d %v", resp.StatusCode, body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("health: missing timestamp")
	}

	_, body = env.do(t, http.MethodGet, "/health/ready", "", nil)
	if body["status"] != "ready" {
		t.Errorf("ready: %v", body)
	}

	env.mr.Close()
	resp, body = env.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready must answer 200, got %d", resp.StatusCode)
	}
	if s, _ := body["status"].(string); !strings.HasPrefix(s, "not ready") {
		t.Errorf("ready with store down: %v", body)
	}
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")
	tok := env.token(t, "alice")

	resp, body := env.do(t, http.MethodGet, "/api/v1/auth/verify", tok, nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("verify: %d %v", resp.StatusCode, body)
	}
	user, _ := body["user"].(map[string]any)
	if user["uid"] != "alice" || user["email"] != "alice@example.com" {
		t.Errorf("verify user = %v", user)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/auth/user", tok, nil)
	if resp.StatusCode != http.StatusOK || body["user_data"] == nil {
		t.Errorf("user: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/auth/verify", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("verify without token: got status %d, want 401", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, service.ModeSync, "")
	env.submit(t, env.token(t, "alice"), "print(1)")

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "codeexec_submissions_total") {
		t.Errorf("metrics: %d %s", resp.StatusCode, b)
	}
}

func dialWS(t *testing.T, env *testEnv, id, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/executions/ws/" + id + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) service.UpdateFrame {
	t.Helper()
	var f service.UpdateFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Errorf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func TestWebSocket_LiveUpdates(t *testing.T) {
	env := newTestEnv(t, service.ModeWebhook, "")
	tok := env.token(t, "alice")
	id := env.submit(t, tok, "print(1)")

	conn := dialWS(t, env, id, tok)
	snap := readFrame(t, conn)
	if snap.Type != "execution_update" || snap.ExecutionID != id || snap.Data.Status != model.StatusPending {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("pong = %v, err %v", pong, err)
	}

	if _, err := env.results.Apply(context.Background(), id, compiler.Result{Output: "1\n", Status: "success"}, service.ModeWebhook); err != nil {
		t.Fatal(err)
	}
	final := readFrame(t, conn)
	if final.Data.Status != model.StatusCompleted || final.Data.Output != "1\n" {
		t.Errorf("final frame = %+v", final.Data)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestWebSocket_Rejections(t *testing.T) {
	env := newTestEnv(t, service.ModeWebhook, "")
	alice := env.token(t, "alice")
	id := env.submit(t, alice, "print(1)")

	t.Run("bad token", func(t *testing.T) {
		expectClose(t, dialWS(t, env, id, "garbage"), service.CloseUnauthorized)
	})
	t.Run("other owner", func(t *testing.T) {
		expectClose(t, dialWS(t, env, id, env.token(t, "bob")), service.CloseForbidden)
	})
	t.Run("unknown execution", func(t *testing.T) {
		expectClose(t, dialWS(t, env, "nope", alice), service.CloseForbidden)
	})
}

func TestWebSocket_ShutdownClosesGoingAway(t *testing.T) {
	env := newTestEnv(t, service.ModeWebhook, "")
	tok := env.token(t, "alice")
	id := env.submit(t, tok, "print(1)")

	conn := dialWS(t, env, id, tok)
	readFrame(t, conn)
	env.live.Shutdown()
	expectClose(t, conn, websocket.CloseGoingAway)
}
