package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Execution handlers ---

// executeRequest is the inbound execution contract.
type executeRequest struct {
	Code           string  `json:"code"`
	Language       string  `json:"language"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	SessionID      string  `json:"sessionId"`
	MaxMemoryMB    int     `json:"maxMemoryMB"`
	MaxOutputBytes int     `json:"maxOutputBytes"`
	ForcedTier     string  `json:"forcedTier,omitempty"`
}

// executeResponse is the outbound execution contract.
type executeResponse struct {
	Success      bool         `json:"success"`
	Stdout       string       `json:"stdout"`
	Stderr       string       `json:"stderr"`
	ExitCode     int          `json:"exitCode"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    string       `json:"errorKind,omitempty"`
	TierUsed     sandbox.Tier `json:"tierUsed"`
	ElapsedMs    int64        `json:"elapsedMs"`
	FilesCreated []string     `json:"filesCreated"`
}

func newExecuteResponse(res sandbox.Result) executeResponse {
	out := executeResponse{
		Success:      res.Success,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		Error:        res.Error,
		TierUsed:     res.Tier,
		ElapsedMs:    res.Elapsed.Milliseconds(),
		FilesCreated: res.FilesCreated,
	}
	if k := res.Kind(); k != sandbox.KindNone {
		out.ErrorKind = k.String()
	}
	if out.FilesCreated == nil {
		out.FilesCreated = []string{}
	}
	return out
}

func (s *Server) toRequest(in executeRequest) (sandbox.Request, error) {
	if in.TimeoutSeconds < 0 {
		return sandbox.Request{}, errors.New("timeoutSeconds must not be negative")
	}
	timeout := time.Duration(in.TimeoutSeconds * float64(time.Second))
	if s.maxTimeout > 0 && timeout > s.maxTimeout {
		return sandbox.Request{}, fmt.Errorf("timeoutSeconds exceeds the %s maximum", s.maxTimeout)
	}
	req := sandbox.Request{
		Code:           in.Code,
		Language:       sandbox.Language(in.Language),
		Timeout:        timeout,
		SessionID:      in.SessionID,
		MaxMemoryMB:    in.MaxMemoryMB,
		MaxOutputBytes: in.MaxOutputBytes,
	}
	if in.ForcedTier != "" {
		tier, err := sandbox.ParseTier(in.ForcedTier)
		if err != nil {
			return sandbox.Request{}, err
		}
		req.Tier = tier
	}
	return req, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var in executeRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := s.toRequest(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.orch.Execute(r.Context(), req)

	status := http.StatusOK
	switch res.Kind() {
	case sandbox.KindInvalidRequest, sandbox.KindPathTraversal:
		status = http.StatusBadRequest
	case sandbox.KindConcurrentAccess:
		status = http.StatusConflict
	}
	writeJSON(w, status, newExecuteResponse(res))
}

type assessRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type assessResponse struct {
	risk.Assessment
	Mode         risk.SecurityMode `json:"mode"`
	RequiredTier sandbox.Tier      `json:"required_tier"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var in assessRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	lang, err := sandbox.ParseLanguage(in.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a := s.orch.Assess(in.Code, lang)
	writeJSON(w, http.StatusOK, assessResponse{
		Assessment:   a,
		Mode:         s.orch.Mode(),
		RequiredTier: risk.RequiredTier(a, s.orch.Mode()),
	})
}

// --- History handlers ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history is disabled")
		return
	}
	q := r.URL.Query()
	opts := storage.ListOptions{SessionID: q.Get("session")}
	opts.FailedOnly, _ = strconv.ParseBool(q.Get("failed"))
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history is disabled")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type statsResponse struct {
	Executors map[sandbox.Tier]tierStats `json:"executors"`
	Pool      any                        `json:"pool,omitempty"`
	Approvers int                        `json:"approvers"`
	Pending   int                        `json:"pending_confirmations"`
}

type tierStats struct {
	Total        int64 `json:"total"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	TimedOut     int64 `json:"timed_out"`
	Unavailable  int64 `json:"unavailable"`
	AvgElapsedMs int64 `json:"avg_elapsed_ms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Executors: make(map[sandbox.Tier]tierStats),
		Approvers: s.sessions.Len(),
	}
	for tier, st := range s.orch.Stats() {
		resp.Executors[tier] = tierStats{
			Total:        st.Total,
			Succeeded:    st.Succeeded,
			Failed:       st.Failed,
			TimedOut:     st.TimedOut,
			Unavailable:  st.Unavailable,
			AvgElapsedMs: st.AvgElapsed().Milliseconds(),
		}
	}
	if ps, ok := s.orch.PoolStats(); ok {
		resp.Pool = ps
	}
	if s.confirmations != nil {
		resp.Pending = len(s.confirmations.Pending())
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Confirmation handlers ---

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	if s.confirmations == nil {
		writeJSON(w, http.StatusOK, []confirm.Message{})
		return
	}
	pending := s.confirmations.Pending()
	if session := r.URL.Query().Get("session"); session != "" {
		filtered := pending[:0]
		for _, m := range pending {
			if m.SessionID == session {
				filtered = append(filtered, m)
			}
		}
		pending = filtered
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	if s.confirmations == nil {
		writeError(w, http.StatusNotFound, "interactive confirmation is disabled")
		return
	}
	var resp confirm.Response
	if err := decodeJSON(w, r, &resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	resp.RequestID = chi.URLParam(r, "id")
	if err := s.confirmations.Resolve(resp); err != nil {
		if errors.Is(err, confirm.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Session handlers ---

type endSessionResponse struct {
	SessionID string `json:"session_id"`
	Purged    int64  `json:"purged_executions"`
}

// handleEndSession releases the session's workspace and pooled sandbox.
// With ?purge=true its execution history is deleted as well.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.sessions.Remove(id)
	if err := s.orch.EndSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := endSessionResponse{SessionID: id}
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge && s.store != nil {
		n, err := s.store.DeleteSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Purged = n
	}
	s.logger.Info("session ended", zap.String("session_id", id), zap.Int64("purged", resp.Purged))
	writeJSON(w, http.StatusOK, resp)
}
