package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/engine"
	"github.com/Emprim-Panth/loom/internal/jobs"
	"github.com/Emprim-Panth/loom/internal/notify"
	"github.com/Emprim-Panth/loom/internal/provider"
	"github.com/Emprim-Panth/loom/internal/store"
)

type echoProvider struct{}

func (echoProvider) ID() string          { return "echo" }
func (echoProvider) DisplayName() string { return "Echo" }
func (echoProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true}
}
func (echoProvider) CheckHealth(ctx context.Context) error { return nil }
func (echoProvider) Cancel(sessionID string)               {}

func (echoProvider) Send(ctx context.Context, req provider.Request, emit func(bridge.Event)) (*provider.Result, error) {
	emit(bridge.Text("you said: " + req.Prompt))
	emit(bridge.Done(nil))
	return &provider.Result{}, nil
}

func newTestApp(t *testing.T, secret string) (*App, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	router := provider.NewRouter(logger)
	if err := router.Register(echoProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := engine.New(st, router, notify.Silent{}, logger)
	runner := jobs.NewRunner(st, logger, nil)
	t.Cleanup(runner.Wait)

	app := NewApp(ServerOptions{Addr: "127.0.0.1:0", Secret: secret, Logger: logger}, st, eng, router, runner)
	return app, st
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func seedBranch(t *testing.T, st store.Store) store.Branch {
	t.Helper()
	ctx := context.Background()
	tree, err := st.CreateTree(ctx, "test tree", "proj", t.TempDir())
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	branch, err := st.CreateBranch(ctx, store.CreateBranchParams{TreeID: tree.TreeID, Title: "root"})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return branch
}

func doReq(t *testing.T, app *App, method, path, secret string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if secret != "" {
		req.Header.Set("X-API-Key", secret)
	}
	rec := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "sekrit")

	rec := doReq(t, app, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Uptime   string `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Uptime == "" {
		t.Fatalf("health body = %+v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "sekrit")

	rec := doReq(t, app, http.MethodGet, "/api/trees", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("401 body not json: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("401 body missing error field")
	}

	rec = doReq(t, app, http.MethodGet, "/api/trees", "sekrit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("authed status = %d, want 200", rec.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/api/trees", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer auth status = %d, want 200", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "sekrit")

	rec := doReq(t, app, http.MethodOptions, "/api/trees", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatal("Authorization missing from allowed headers")
	}
}

func TestTreeCRUD(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodPost, "/api/trees", "", `{"name":"my tree","project":"proj"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Tree       store.Tree   `json:"tree"`
		RootBranch store.Branch `json:"root_branch"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RootBranch.SessionID == "" {
		t.Fatal("root branch missing session id")
	}

	rec = doReq(t, app, http.MethodGet, "/api/trees/"+created.Tree.TreeID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doReq(t, app, http.MethodPatch, "/api/trees/"+created.Tree.TreeID, "", `{"name":"renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}

	rec = doReq(t, app, http.MethodDelete, "/api/trees/"+created.Tree.TreeID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doReq(t, app, http.MethodGet, "/api/trees/"+created.Tree.TreeID, "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestSendMessageStreamsSSE(t *testing.T) {
	t.Parallel()
	app, st := newTestApp(t, "")
	branch := seedBranch(t, st)

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	body := fmt.Sprintf(`{"session_id":%q,"content":"hello"}`, branch.SessionID)
	resp, err := http.Post(srv.URL+"/api/message", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	var types []bridge.EventType
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bridge.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		types = append(types, ev.Type)
	}
	want := []bridge.EventType{bridge.EventText, bridge.EventDone}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}

	msgs, err := st.ListMessages(context.Background(), branch.SessionID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var assistant bool
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			assistant = true
		}
	}
	if !assistant {
		t.Fatal("assistant reply not persisted")
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodPost, "/api/message", "", `{"session_id":"nope","content":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestSendMessageWithoutSessionCreatesOne(t *testing.T) {
	t.Parallel()
	app, st := newTestApp(t, "")

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/message", "application/json",
		strings.NewReader(`{"content":"hello","project":"scratch"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	trees, err := st.ListTrees(context.Background())
	if err != nil {
		t.Fatalf("list trees: %v", err)
	}
	if len(trees) != 1 || trees[0].Project != "scratch" {
		t.Fatalf("trees = %+v", trees)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodPost, "/api/message", "", `{"session_id":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	t.Parallel()
	app, st := newTestApp(t, "")
	branch := seedBranch(t, st)
	ctx := context.Background()
	if _, err := st.AppendMessage(ctx, branch.SessionID, store.RoleUser, "first"); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := doReq(t, app, http.MethodGet, "/api/messages/"+branch.SessionID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var msgs []store.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "first" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	t.Parallel()
	app, st := newTestApp(t, "")
	seedBranch(t, st)

	rec := doReq(t, app, http.MethodGet, "/api/sessions", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sessions []store.SessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodGet, "/api/search", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodGet, "/api/providers", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []provider.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "echo" {
		t.Fatalf("providers = %+v", infos)
	}

	rec = doReq(t, app, http.MethodPost, "/api/providers/refresh", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if !infos[0].Healthy {
		t.Fatal("provider should be healthy after refresh")
	}
}

func TestJobsEndToEnd(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t, "")

	rec := doReq(t, app, http.MethodPost, "/api/jobs", "", `{"command":"echo hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue status = %d: %s", rec.Code, rec.Body.String())
	}
	var job store.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = doReq(t, app, http.MethodGet, "/api/jobs/"+job.JobID, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if job.Status == store.JobCompleted || job.Status == store.JobFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Status != store.JobCompleted || !strings.Contains(job.Output, "hi") {
		t.Fatalf("job = %+v", job)
	}
}

func TestBranchSubroutes(t *testing.T) {
	t.Parallel()
	app, st := newTestApp(t, "")
	branch := seedBranch(t, st)

	child := doReq(t, app, http.MethodPost, "/api/branches", "",
		fmt.Sprintf(`{"tree_id":%q,"parent_branch_id":%q,"title":"child"}`, branch.TreeID, branch.BranchID))
	if child.Code != http.StatusOK {
		t.Fatalf("create branch status = %d: %s", child.Code, child.Body.String())
	}
	var cb store.Branch
	if err := json.Unmarshal(child.Body.Bytes(), &cb); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec := doReq(t, app, http.MethodGet, "/api/branches/"+cb.BranchID+"/path", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("path status = %d", rec.Code)
	}
	var path []store.Branch
	if err := json.Unmarshal(rec.Body.Bytes(), &path); err != nil {
		t.Fatalf("decode path: %v", err)
	}
	if len(path) != 2 || path[0].BranchID != branch.BranchID {
		t.Fatalf("path = %+v", path)
	}

	rec = doReq(t, app, http.MethodPatch, "/api/branches/"+cb.BranchID, "", `{"title":"renamed child"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d", rec.Code)
	}
	var patched store.Branch
	if err := json.Unmarshal(rec.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if patched.Title != "renamed child" {
		t.Fatalf("title = %q", patched.Title)
	}
}
