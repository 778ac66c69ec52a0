package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/workspace"
)

// ServerOptions configures a reference remote sandbox server.
type ServerOptions struct {
	// Token, when set, is required as a bearer token on every request.
	Token string
	// TrustWorkspacePaths lets clients bind a sandbox to the workspacePath
	// they send. Only sensible when client and server share a filesystem.
	TrustWorkspacePaths bool
	// MaxTimeout caps the per-execution timeout a client may ask for.
	MaxTimeout time.Duration
}

type remoteSandbox struct {
	id        string
	sessionID string
	ws        *workspace.Workspace
	created   time.Time

	busy sync.Mutex
}

// Server implements the remote sandbox protocol on top of a local executor.
type Server struct {
	exec      sandbox.Executor
	manager   *workspace.Manager
	opts      ServerOptions
	logger    *zap.Logger
	router    chi.Router
	sandboxes sync.Map // id -> *remoteSandbox
}

// NewServer creates a protocol server that runs code on exec in workspaces
// handed out by manager.
func NewServer(exec sandbox.Executor, manager *workspace.Manager, opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 10 * time.Minute
	}
	s := &Server{
		exec:    exec,
		manager: manager,
		opts:    opts,
		logger:  logger.With(zap.String("component", "remote_server")),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.authenticate)

	r.Post("/sandbox", s.handleCreate)
	r.Post("/sandbox/{id}/execute", s.handleExecute)
	r.Delete("/sandbox/{id}", s.handleDelete)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Len returns the number of live sandboxes.
func (s *Server) Len() int {
	n := 0
	s.sandboxes.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			want := "Bearer " + s.opts.Token
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	var (
		ws  *workspace.Workspace
		err error
	)
	if s.opts.TrustWorkspacePaths && req.WorkspacePath != "" {
		ws, err = workspace.Open(req.WorkspacePath, workspace.Options{})
	} else {
		ws, err = s.manager.Get(req.SessionID)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrPathTraversal) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	sb := &remoteSandbox{id: uuid.NewString(), sessionID: req.SessionID, ws: ws, created: time.Now()}
	s.sandboxes.Store(sb.id, sb)
	s.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.id),
		zap.String("session_id", sb.sessionID))
	writeJSON(w, http.StatusCreated, connectResponse{SandboxID: sb.id})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sb, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	lang, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 || timeout > s.opts.MaxTimeout {
		timeout = s.opts.MaxTimeout
	}

	if !sb.busy.TryLock() {
		writeError(w, http.StatusConflict, "sandbox is busy")
		return
	}
	defer sb.busy.Unlock()

	// The execution outlives a dropped connection; the protocol has no cancel.
	ctx := context.WithoutCancel(r.Context())
	res := s.exec.Execute(ctx, sb.ws, sandbox.Request{
		Code:      req.Code,
		Language:  lang,
		Timeout:   timeout,
		SessionID: sb.sessionID,
	})

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:      res.Success,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		FilesCreated: nonNil(res.FilesCreated),
		Error:        res.Error,
		TimedOut:     res.Kind() == sandbox.KindTimeout,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sandboxes.LoadAndDelete(id); !ok {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	s.logger.Info("sandbox released", zap.String("sandbox_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(id string) (*remoteSandbox, bool) {
	v, ok := s.sandboxes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*remoteSandbox), true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
