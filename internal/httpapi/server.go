// Package httpapi serves the HTTP surface: tree and branch management,
// message send with per-turn SSE, job control, and a global event
// stream. Auth is a shared secret; /health and /metrics stay open for
// probes and scrapes.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/engine"
	"github.com/Emprim-Panth/loom/internal/jobs"
	"github.com/Emprim-Panth/loom/internal/provider"
	"github.com/Emprim-Panth/loom/internal/store"
)

// defaultMaxRequestBodyBytes is the default limit for request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr            string
	Secret          string       // if set, require X-API-Key or Authorization: Bearer
	MetricsHandler  http.Handler // if set, served at /metrics
	UseOtelHTTP     bool         // if true, wrap handler with otelhttp for request metrics
	Hub             *SSEHub      // optional; nil creates a fresh hub
	DefaultProvider string       // used when a send request names no provider
	Logger          *slog.Logger
}

// App wires the HTTP server to the store, engine, provider router, and
// job runner.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Store  store.Store
	Engine *engine.Engine
	Router *provider.Router
	Jobs   *jobs.Runner

	defaultProvider string
	started         time.Time
	logger          *slog.Logger
}

func NewApp(opts ServerOptions, st store.Store, eng *engine.Engine, router *provider.Router, runner *jobs.Runner) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewSSEHub()
	}
	app := &App{
		Hub:             hub,
		Store:           st,
		Engine:          eng,
		Router:          router,
		Jobs:            runner,
		defaultProvider: opts.DefaultProvider,
		started:         time.Now(),
		logger:          logger.With("component", "httpapi"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", app.handleHealth)
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("/stream", app.Hub.Handler())

	mux.HandleFunc("/api/sessions", app.handleSessions)
	mux.HandleFunc("/api/messages/", app.handleMessages)
	mux.HandleFunc("/api/message", app.handleSendMessage)
	mux.HandleFunc("/api/search", app.handleSearch)
	mux.HandleFunc("/api/providers", app.handleProviders)
	mux.HandleFunc("/api/providers/refresh", app.handleProvidersRefresh)
	mux.HandleFunc("/api/trees", app.handleTrees)
	mux.HandleFunc("/api/trees/", app.handleTreeByID)
	mux.HandleFunc("/api/branches", app.handleCreateBranch)
	mux.HandleFunc("/api/branches/", app.handleBranchByID)
	mux.HandleFunc("/api/projects/", app.handleProject)
	mux.HandleFunc("/api/jobs", app.handleJobs)
	mux.HandleFunc("/api/jobs/", app.handleJobByID)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.Secret != "" {
		handler = authMiddleware(opts.Secret, handler)
	}
	handler = corsMiddleware(handler)
	handler = requestLogMiddleware(logger, handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "httpapi")
	}

	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app
}

// --- middlewares ---

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets permissive CORS headers so browser frontends on
// other origins can talk to a local server.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the shared secret via X-API-Key or a bearer
// token. /health and /metrics stay open.
func authMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logger.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- handlers ---

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if list, err := a.Store.ListSessions(r.Context()); err == nil {
		sessions = len(list)
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"uptime":   time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := a.Store.ListSessions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}
	writeJSON(w, sessions)
}

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	limit := queryInt(r, "limit", 0)
	msgs, err := a.Store.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, msgs)
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeJSONError(w, http.StatusBadRequest, "q required")
		return
	}
	matches, err := a.Store.SearchMessages(r.Context(), q, r.URL.Query().Get("session_id"), queryInt(r, "limit", 0))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		matches = []store.MessageMatch{}
	}
	writeJSON(w, matches)
}

// handleSendMessage runs one turn and streams its events as SSE. Errors
// before the first event surface as JSON with a proper status; errors
// after streaming began surface as a terminal error event.
func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		SessionID       string `json:"session_id"`
		Content         string `json:"content"`
		Project         string `json:"project"`
		Model           string `json:"model"`
		Provider        string `json:"provider"`
		EditedMessageID int64  `json:"edited_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content required")
		return
	}
	if body.SessionID == "" {
		// No session names a fresh conversation: a new tree with a root
		// branch, grouped under the caller's project when given.
		sessionID, err := a.createQuickSession(r, body.Project)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body.SessionID = sessionID
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	streaming := false
	emit := func(ev bridge.Event) {
		if !streaming {
			streaming = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
		a.Hub.PublishJSON(map[string]any{"type": "turn_event", "session_id": body.SessionID, "event": ev})
	}

	providerID := body.Provider
	if providerID == "" {
		providerID = a.defaultProvider
	}
	res, err := a.Engine.Send(r.Context(), engine.SendParams{
		SessionID:       body.SessionID,
		Content:         body.Content,
		Model:           body.Model,
		ProviderID:      providerID,
		EditedMessageID: body.EditedMessageID,
	}, emit)
	if err != nil && !streaming {
		writeJSONError(w, sendErrorStatus(err), err.Error())
		return
	}
	if err != nil {
		// Terminal error event already streamed by the provider path.
		a.logger.Warn("turn failed mid-stream", "session_id", body.SessionID, "error", err)
		return
	}
	a.Hub.PublishJSON(map[string]any{
		"type": "turn_complete", "session_id": res.SessionID, "branch_id": res.BranchID, "provider": res.Provider,
	})
}

func (a *App) createQuickSession(r *http.Request, project string) (string, error) {
	name := project
	if name == "" {
		name = "conversation " + time.Now().Format("2006-01-02 15:04")
	}
	tree, err := a.Store.CreateTree(r.Context(), name, project, "")
	if err != nil {
		return "", err
	}
	branch, err := a.Store.CreateBranch(r.Context(), store.CreateBranchParams{
		TreeID: tree.TreeID,
		Title:  name,
	})
	if err != nil {
		return "", err
	}
	a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": tree.TreeID})
	return branch.SessionID, nil
}

func sendErrorStatus(err error) int {
	switch {
	case isNotFound(err):
		return http.StatusNotFound
	case isBusy(err):
		return http.StatusConflict
	case strings.Contains(err.Error(), "required"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, a.Router.List())
}

func (a *App) handleProvidersRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.Router.RefreshHealth(r.Context())
	writeJSON(w, a.Router.List())
}

func (a *App) handleTrees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		trees, err := a.Store.ListTrees(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if trees == nil {
			trees = []store.Tree{}
		}
		writeJSON(w, trees)
	case http.MethodPost:
		var body struct {
			Name             string `json:"name"`
			Project          string `json:"project"`
			WorkingDirectory string `json:"working_directory"`
			Model            string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		tree, err := a.Store.CreateTree(r.Context(), body.Name, body.Project, body.WorkingDirectory)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		root, err := a.Store.CreateBranch(r.Context(), store.CreateBranchParams{
			TreeID: tree.TreeID,
			Title:  body.Name,
			Model:  body.Model,
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": tree.TreeID})
		writeJSON(w, map[string]any{"tree": tree, "root_branch": root})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleTreeByID(w http.ResponseWriter, r *http.Request) {
	treeID := strings.TrimPrefix(r.URL.Path, "/api/trees/")
	if treeID == "" || strings.Contains(treeID, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		tree, forest, err := a.Store.GetTree(r.Context(), treeID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if forest == nil {
			forest = []*store.Branch{}
		}
		writeJSON(w, map[string]any{"tree": tree, "branches": forest})
	case http.MethodPatch:
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		if err := a.Store.RenameTree(r.Context(), treeID, body.Name); err != nil {
			writeStoreError(w, err)
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": treeID})
		writeJSON(w, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := a.Store.DeleteTree(r.Context(), treeID); err != nil {
			writeStoreError(w, err)
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": treeID})
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TreeID          string  `json:"tree_id"`
		ParentBranchID  *string `json:"parent_branch_id"`
		BranchType      string  `json:"branch_type"`
		Title           string  `json:"title"`
		Model           string  `json:"model"`
		ContextSnapshot string  `json:"context_snapshot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.TreeID == "" {
		writeJSONError(w, http.StatusBadRequest, "tree_id required")
		return
	}
	branch, err := a.Store.CreateBranch(r.Context(), store.CreateBranchParams{
		TreeID:          body.TreeID,
		ParentBranchID:  body.ParentBranchID,
		BranchType:      body.BranchType,
		Title:           body.Title,
		Model:           body.Model,
		ContextSnapshot: body.ContextSnapshot,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": branch.TreeID})
	writeJSON(w, branch)
}

func (a *App) handleBranchByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/branches/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	branchID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			branch, err := a.Store.GetBranch(r.Context(), branchID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, branch)
		case http.MethodPatch:
			var body struct {
				Title     *string `json:"title"`
				Summary   *string `json:"summary"`
				Status    *string `json:"status"`
				Model     *string `json:"model"`
				Collapsed *bool   `json:"collapsed"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			err := a.Store.UpdateBranch(r.Context(), branchID, store.UpdateBranchParams{
				Title: body.Title, Summary: body.Summary, Status: body.Status,
				Model: body.Model, Collapsed: body.Collapsed,
			})
			if err != nil {
				writeStoreError(w, err)
				return
			}
			branch, err := a.Store.GetBranch(r.Context(), branchID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			a.Hub.PublishJSON(map[string]any{"type": "tree_update", "tree_id": branch.TreeID})
			writeJSON(w, branch)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "path":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		path, err := a.Store.BranchPath(r.Context(), branchID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, path)
	case "siblings":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sibs, err := a.Store.GetSiblings(r.Context(), branchID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if sibs == nil {
			sibs = []store.Branch{}
		}
		writeJSON(w, sibs)
	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cancelled := a.Engine.Cancel(branchID)
		writeJSON(w, map[string]any{"cancelled": cancelled})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	project := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "archive" && r.Method == http.MethodPost:
		n, err := a.Store.ArchiveProject(r.Context(), project)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "project_update", "project": project})
		writeJSON(w, map[string]any{"archived": n})
	case len(parts) == 1 && r.Method == http.MethodDelete:
		n, err := a.Store.DeleteProject(r.Context(), project)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "project_update", "project": project})
		writeJSON(w, map[string]any{"deleted": n})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.Store.ListJobs(r.Context(), r.URL.Query().Get("branch_id"), queryInt(r, "limit", 0))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if list == nil {
			list = []store.Job{}
		}
		writeJSON(w, list)
	case http.MethodPost:
		var body struct {
			Type             string  `json:"type"`
			Command          string  `json:"command"`
			WorkingDirectory string  `json:"working_directory"`
			BranchID         *string `json:"branch_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Type == "" {
			body.Type = "shell"
		}
		job, err := a.Jobs.Enqueue(r.Context(), body.Type, body.Command, body.WorkingDirectory, body.BranchID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "job_update", "job": job})
		writeJSON(w, job)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		job, err := a.Store.GetJob(r.Context(), jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, job)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := a.Jobs.Cancel(r.Context(), jobID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusBadRequest, err.Error())
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func isBusy(err error) bool {
	return errors.Is(err, engine.ErrTurnInFlight) || errors.Is(err, provider.ErrBusy)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
