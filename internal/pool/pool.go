// Package pool keeps one reusable remote sandbox connection per session and
// enforces at most one in-flight execution per session.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/warden/internal/sandbox"
)

// ErrPoolClosed is returned by Acquire after Stop.
var ErrPoolClosed = errors.New("sandbox pool is closed")

// Conn is a live connection to a remote sandbox.
type Conn interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
	Close(ctx context.Context) error
}

// Factory opens a new connection for sessionID.
type Factory func(ctx context.Context, sessionID string) (Conn, error)

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateBusy:
		return "busy"
	}
	return "unknown"
}

// Options tunes reuse and eviction.
type Options struct {
	// MinIdle idle connections are kept warm by the reaper.
	MinIdle int
	// MaxUses retires a connection after that many acquisitions. 0 means no limit.
	MaxUses int
	// IdleTimeout evicts connections unused for longer than this.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper runs. 0 disables it.
	ReapInterval time.Duration
}

// DefaultOptions returns the pool defaults.
func DefaultOptions() Options {
	return Options{
		MinIdle:      0,
		MaxUses:      100,
		IdleTimeout:  10 * time.Minute,
		ReapInterval: time.Minute,
	}
}

type entry struct {
	sessionID string
	conn      Conn
	state     State
	uses      int
	created   time.Time
	lastUsed  time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle      int `json:"idle"`
	Acquiring int `json:"acquiring"`
	Busy      int `json:"busy"`
	Total     int `json:"total"`
	Created   int `json:"created"`
	Evicted   int `json:"evicted"`
}

// Pool manages remote sandbox connections keyed by session id.
type Pool struct {
	factory Factory
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	created int
	evicted int

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a pool and starts its reaper.
func New(factory Factory, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		factory:    factory,
		opts:       opts,
		logger:     logger.With(zap.String("component", "sandbox_pool")),
		now:        time.Now,
		entries:    make(map[string]*entry),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	if opts.ReapInterval > 0 {
		go p.reapLoop(opts.ReapInterval)
	} else {
		close(p.reaperDone)
	}
	return p
}

// Acquire hands out the session's connection, opening one if needed. It
// fails immediately with sandbox.ErrConcurrentAccess while another
// acquisition for the same session is outstanding.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := p.entries[sessionID]; ok {
		if e.state != StateIdle {
			state := e.state
			p.mu.Unlock()
			p.logger.Debug("concurrent acquire refused",
				zap.String("session_id", sessionID),
				zap.Stringer("state", state))
			return nil, sandbox.NewError(sandbox.KindConcurrentAccess, sessionID, nil)
		}
		e.state = StateBusy
		e.uses++
		e.lastUsed = p.now()
		conn := e.conn
		p.mu.Unlock()
		return conn, nil
	}
	e := &entry{sessionID: sessionID, state: StateAcquiring, created: p.now()}
	p.entries[sessionID] = e
	p.mu.Unlock()

	conn, err := p.factory(ctx, sessionID)

	p.mu.Lock()
	if err != nil {
		if p.entries[sessionID] == e {
			delete(p.entries, sessionID)
		}
		p.mu.Unlock()
		if sandbox.KindOf(err) == sandbox.KindInternal {
			err = sandbox.NewError(sandbox.KindBackendUnavailable, "opening remote sandbox", err)
		}
		return nil, err
	}
	if p.closed || p.entries[sessionID] != e {
		p.mu.Unlock()
		p.closeConn(conn, sessionID)
		return nil, ErrPoolClosed
	}
	e.conn = conn
	e.state = StateBusy
	e.uses = 1
	e.lastUsed = p.now()
	p.created++
	p.mu.Unlock()

	p.logger.Debug("remote sandbox opened", zap.String("session_id", sessionID))
	return conn, nil
}

// Release returns the session's connection to the idle set. Unknown or
// already idle sessions are ignored. A connection that reached MaxUses is
// closed instead.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok || e.state != StateBusy {
		p.mu.Unlock()
		return
	}
	e.lastUsed = p.now()
	if p.opts.MaxUses > 0 && e.uses >= p.opts.MaxUses {
		delete(p.entries, sessionID)
		p.evicted++
		p.mu.Unlock()
		p.logger.Debug("remote sandbox retired",
			zap.String("session_id", sessionID),
			zap.Int("uses", e.uses))
		p.closeConn(e.conn, sessionID)
		return
	}
	e.state = StateIdle
	p.mu.Unlock()
}

// Discard drops a busy connection that is no longer usable.
func (p *Pool) Discard(sessionID string) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok || e.state != StateBusy {
		p.mu.Unlock()
		return
	}
	delete(p.entries, sessionID)
	p.evicted++
	p.mu.Unlock()
	p.closeConn(e.conn, sessionID)
}

// Evict closes the session's connection if it is idle. It reports whether
// a connection was closed.
func (p *Pool) Evict(sessionID string) bool {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok || e.state != StateIdle {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, sessionID)
	p.evicted++
	p.mu.Unlock()
	p.closeConn(e.conn, sessionID)
	return true
}

// Stats reports connection counts by state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.entries), Created: p.created, Evicted: p.evicted}
	for _, e := range p.entries {
		switch e.state {
		case StateIdle:
			s.Idle++
		case StateAcquiring:
			s.Acquiring++
		case StateBusy:
			s.Busy++
		}
	}
	return s
}

// Len returns the number of pooled connections in any state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) reapLoop(interval time.Duration) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap evicts idle connections past IdleTimeout or MaxUses, oldest first,
// leaving at least MinIdle idle connections. It returns the evicted count.
func (p *Pool) reap() int {
	now := p.now()

	p.mu.Lock()
	var idle []*entry
	for _, e := range p.entries {
		if e.state == StateIdle {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })

	var victims []*entry
	remaining := len(idle)
	for _, e := range idle {
		if remaining <= p.opts.MinIdle {
			break
		}
		expired := p.opts.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.opts.IdleTimeout
		wornOut := p.opts.MaxUses > 0 && e.uses >= p.opts.MaxUses
		if !expired && !wornOut {
			continue
		}
		delete(p.entries, e.sessionID)
		victims = append(victims, e)
		remaining--
	}
	p.evicted += len(victims)
	p.mu.Unlock()

	for _, e := range victims {
		p.logger.Debug("evicting idle remote sandbox",
			zap.String("session_id", e.sessionID),
			zap.Duration("idle", now.Sub(e.lastUsed)),
			zap.Int("uses", e.uses))
		p.closeConn(e.conn, e.sessionID)
	}
	return len(victims)
}

// Stop halts the reaper and closes every connection, busy or not. Later
// Acquire calls return ErrPoolClosed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []*entry
	for id, e := range p.entries {
		if e.conn != nil {
			conns = append(conns, e)
		}
		delete(p.entries, id)
	}
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	// One failed close must not cancel the others.
	var g errgroup.Group
	for _, e := range conns {
		g.Go(func() error {
			return e.conn.Close(ctx)
		})
	}
	err := g.Wait()
	p.logger.Info("sandbox pool stopped", zap.Int("closed", len(conns)))
	return err
}

func (p *Pool) closeConn(conn Conn, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		p.logger.Warn("closing remote sandbox failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
