package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/callflow/internal/observe"
	"github.com/MrWong99/callflow/internal/session"
	"github.com/MrWong99/callflow/pkg/transport"
)

// Admission errors returned by [SessionManager.Start].
var (
	ErrAtCapacity  = errors.New("app: at session capacity")
	ErrRateLimited = errors.New("app: call admission rate exceeded")
	ErrDraining    = errors.New("app: shutting down")
)

// SessionInfo holds metadata about an active call.
type SessionInfo struct {
	SessionID string
	CallID    string
	StreamID  string
	StartedAt time.Time
}

type tracked struct {
	info SessionInfo
	s    *session.Session
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Controller *session.Controller

	// MaxSessions caps concurrent calls. 0 means unlimited.
	MaxSessions int

	// CallsPerSecond and CallBurst bound admission. 0 disables the limit.
	CallsPerSecond float64
	CallBurst      int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionManager tracks the live calls of the process. It enforces the
// session cap and admission rate and ends every call on shutdown. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	ctrl     *session.Controller
	sessions map[string]*tracked
	draining bool
	wg       sync.WaitGroup

	max     int
	limiter *rate.Limiter
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		ctrl:     cfg.Controller,
		sessions: make(map[string]*tracked),
		max:      cfg.MaxSessions,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if cfg.CallsPerSecond > 0 {
		burst := cfg.CallBurst
		if burst <= 0 {
			burst = 1
		}
		sm.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	return sm
}

// SetController replaces the controller used for new calls. Calls already
// running keep the configuration they started with.
func (sm *SessionManager) SetController(c *session.Controller) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ctrl = c
}

// Start admits a call and starts its session. The session runs on ctx until
// it ends on its own or [SessionManager.Shutdown] hangs it up.
func (sm *SessionManager) Start(ctx context.Context, args transport.TelephonyArgs) (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.admitLocked(); err != nil {
		sm.reject(ctx, err)
		return nil, err
	}
	s, err := sm.ctrl.Start(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	t := &tracked{
		s: s,
		info: SessionInfo{
			SessionID: s.ID(),
			CallID:    args.CallID,
			StreamID:  args.StreamID,
			StartedAt: time.Now().UTC(),
		},
	}
	sm.sessions[s.ID()] = t
	sm.wg.Add(1)
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	sm.log.Info("app: session started", "session_id", s.ID(), "call_id", args.CallID, "active", len(sm.sessions))

	go sm.watch(context.WithoutCancel(ctx), t)
	return s, nil
}

func (sm *SessionManager) watch(ctx context.Context, t *tracked) {
	defer sm.wg.Done()
	<-t.s.Done()

	sm.mu.Lock()
	delete(sm.sessions, t.info.SessionID)
	n := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
	sm.log.Info("app: session ended",
		"session_id", t.info.SessionID,
		"duration", time.Since(t.info.StartedAt).Round(time.Millisecond),
		"err", t.s.Err(),
		"active", n)
}

func (sm *SessionManager) admitLocked() error {
	if sm.draining {
		return ErrDraining
	}
	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return ErrAtCapacity
	}
	if sm.limiter != nil && !sm.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

func (sm *SessionManager) reject(ctx context.Context, err error) {
	sm.log.Warn("app: call rejected", "reason", err, "active", len(sm.sessions))
	if sm.metrics == nil {
		return
	}
	reason := "draining"
	switch {
	case errors.Is(err, ErrAtCapacity):
		reason = "capacity"
	case errors.Is(err, ErrRateLimited):
		reason = "rate"
	}
	sm.metrics.RecordRejected(ctx, reason)
}

// Count returns the number of live calls.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Active returns the live calls, oldest first.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		out = append(out, t.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Hangup ends the call with the given session ID. It reports whether the
// session was found.
func (sm *SessionManager) Hangup(id string) bool {
	sm.mu.Lock()
	t, ok := sm.sessions[id]
	sm.mu.Unlock()
	if ok {
		t.s.Hangup()
	}
	return ok
}

// Ready is a readiness check: it fails while draining or at capacity.
func (sm *SessionManager) Ready(context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining {
		return ErrDraining
	}
	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return ErrAtCapacity
	}
	return nil
}

// Shutdown stops admitting calls, hangs up every live call and waits for
// them to end or for ctx to expire.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	live := make([]*tracked, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		live = append(live, t)
	}
	sm.mu.Unlock()

	sm.log.Info("app: hanging up live calls", "count", len(live))
	for _, t := range live {
		t.s.Hangup()
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: waiting for %d sessions: %w", sm.Count(), ctx.Err())
	}
}
