// Package remote speaks the remote sandbox HTTP protocol: a long-lived
// environment per session that runs code on request.
//
//	POST   /sandbox               {sessionId, workspacePath} -> {sandboxId}
//	POST   /sandbox/{id}/execute  {code, language, timeout}  -> ExecuteResponse
//	DELETE /sandbox/{id}
//
// Remote execution is not cancelled when the caller gives up waiting; the
// protocol has no cancel verb.
package remote

type connectRequest struct {
	SessionID     string `json:"sessionId"`
	WorkspacePath string `json:"workspacePath"`
}

type connectResponse struct {
	SandboxID string `json:"sandboxId"`
}

type executeRequest struct {
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Timeout  float64 `json:"timeout"` // seconds
}

// ExecuteResponse is the remote's view of one execution.
type ExecuteResponse struct {
	Success      bool     `json:"success"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	ExitCode     int      `json:"exitCode"`
	FilesCreated []string `json:"filesCreated"`
	Error        string   `json:"error,omitempty"`
	TimedOut     bool     `json:"timedOut,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
