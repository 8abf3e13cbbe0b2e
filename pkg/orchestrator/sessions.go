package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/session"
)

// DefaultSessionRefresh is how often the active session is looked up in the background.
const DefaultSessionRefresh = 5 * time.Second

// sessionTracker keeps the active session id current so that stamping a reading on the registry
// goroutine never waits for the session service. While no session is known, readings carry an
// ad hoc id generated once per Orchestrator.
type sessionTracker struct {
	provider session.Provider
	fallback *session.AdHoc
	interval time.Duration
	logger   log.Logger

	current atomic.Pointer[string]
	// failing suppresses repeated warnings while the provider is down.
	failing atomic.Bool
	wg      sync.WaitGroup
}

func newSessionTracker(p session.Provider, interval time.Duration, logger log.Logger) *sessionTracker {
	if interval <= 0 {
		interval = DefaultSessionRefresh
	}
	return &sessionTracker{provider: p, fallback: session.NewAdHoc(), interval: interval, logger: logger}
}

// start resolves the session once, then keeps refreshing it until ctx is done.
func (t *sessionTracker) start(ctx context.Context) {
	t.refresh(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.refresh(ctx)
			}
		}
	}()
}

func (t *sessionTracker) wait() {
	t.wg.Wait()
}

// refresh asks the provider for the active session. The absence of a session clears the known
// id; a failed lookup keeps it.
func (t *sessionTracker) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sessionLookupTimeout)
	defer cancel()
	id, err := t.provider.ActiveSessionID(ctx)
	switch {
	case err == nil && id != "":
		if previous := t.current.Swap(&id); previous == nil || *previous != id {
			t.logger.Info("Active session is %s", id)
		}
		t.failing.Store(false)
	case err == nil, errors.Is(err, session.ErrNoActiveSession):
		if t.current.Swap(nil) != nil {
			t.logger.Info("Session ended")
		}
		t.failing.Store(false)
	default:
		if !t.failing.Swap(true) {
			t.logger.Warning("Session lookup failed: %s", err)
		}
	}
}

// id never blocks and never returns an empty string.
func (t *sessionTracker) id() string {
	if id := t.current.Load(); id != nil {
		return *id
	}
	id, _ := t.fallback.ActiveSessionID(context.Background())
	return id
}
