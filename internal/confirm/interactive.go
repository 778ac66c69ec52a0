package confirm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/risk"
)

// MessageType tags outbound confirmation messages.
const MessageType = "confirmation_required"

// Message is pushed to the approver's channel.
type Message struct {
	Type        string     `json:"type"`
	RequestID   string     `json:"requestId"`
	SessionID   string     `json:"sessionId,omitempty"`
	Description string     `json:"description"`
	RiskLevel   risk.Level `json:"riskLevel"`
	Patterns    []string   `json:"patterns"`
	CodePreview string     `json:"codePreview"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Response is the approver's answer, matched to a Message by RequestID.
type Response struct {
	RequestID    string `json:"requestId"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason,omitempty"`
	ModifiedCode string `json:"modifiedCode,omitempty"`
}

// Publisher delivers a confirmation message to whoever can answer it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

type pendingConfirmation struct {
	msg        Message
	responseCh chan Response
}

// Interactive publishes each request and parks the caller until Resolve is
// called with a matching id, the timeout fires, or ctx is done.
type Interactive struct {
	publisher Publisher
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// NewInteractive creates a gate that publishes through pub. timeout applies
// to requests that carry none.
func NewInteractive(pub Publisher, timeout time.Duration, logger *zap.Logger) *Interactive {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Interactive{
		publisher: pub,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "confirm")),
		pending:   make(map[string]*pendingConfirmation),
	}
}

func (g *Interactive) RequestConfirmation(ctx context.Context, req Request) (Result, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}

	msg := Message{
		Type:        MessageType,
		RequestID:   id,
		SessionID:   req.SessionID,
		Description: req.Description,
		RiskLevel:   req.Level,
		Patterns:    req.Patterns,
		CodePreview: req.CodePreview,
		ExpiresAt:   time.Now().Add(timeout),
	}
	if msg.Patterns == nil {
		msg.Patterns = []string{}
	}
	p := &pendingConfirmation{msg: msg, responseCh: make(chan Response, 1)}

	g.mu.Lock()
	if _, dup := g.pending[id]; dup {
		g.mu.Unlock()
		return Result{}, fmt.Errorf("confirmation request %s already pending", id)
	}
	g.pending[id] = p
	g.mu.Unlock()
	defer g.forget(id)

	g.logger.Info("awaiting confirmation",
		zap.String("request_id", id),
		zap.String("session_id", req.SessionID),
		zap.Stringer("risk", req.Level))

	if err := g.publisher.Publish(ctx, msg); err != nil {
		g.logger.Warn("confirmation channel unavailable, denying", zap.String("request_id", id), zap.Error(err))
		return Result{Approved: false, Reason: "confirmation channel unavailable: " + err.Error()}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.responseCh:
		return Result{Approved: resp.Approved, Reason: resp.Reason, ModifiedCode: resp.ModifiedCode}, nil
	case <-timer.C:
		g.logger.Info("confirmation timed out", zap.String("request_id", id))
		return Result{}, ErrTimedOut
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolve completes a pending request. Each id can be resolved once.
func (g *Interactive) Resolve(resp Response) error {
	return g.resolve(resp, func(Message) bool { return true })
}

// ResolveForSession is Resolve restricted to requests raised by sessionID.
// Requests of other sessions are reported as unknown.
func (g *Interactive) ResolveForSession(sessionID string, resp Response) error {
	return g.resolve(resp, func(m Message) bool { return m.SessionID == sessionID })
}

func (g *Interactive) resolve(resp Response, allowed func(Message) bool) error {
	g.mu.Lock()
	p, ok := g.pending[resp.RequestID]
	if !ok || !allowed(p.msg) {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}
	delete(g.pending, resp.RequestID)
	g.mu.Unlock()

	p.responseCh <- resp
	return nil
}

// Pending lists outstanding requests, oldest deadline first.
func (g *Interactive) Pending() []Message {
	g.mu.Lock()
	out := make([]Message, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.msg)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (g *Interactive) forget(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
