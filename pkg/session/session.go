// Package session resolves the ride session that accepted readings belong to.
//
// The hub does not own sessions. An external service (the training application) starts and ends
// them, and the hub asks a [Provider] which session is active when it stamps readings.
package session

//go:generate mockgen -destination=../../mocks/session_provider.go -package=mocks -mock_names=Provider=SessionProvider . Provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridelink/sensor-hub/internal/log"
)

// ErrNoActiveSession is returned by a Provider when no session is currently running.
var ErrNoActiveSession = errors.New("no active session")

// Provider returns the id of the session that is active right now.
type Provider interface {
	ActiveSessionID(ctx context.Context) (string, error)
}

// Static is a Provider that always returns the same id. An empty Static has no active session.
type Static string

func (s Static) ActiveSessionID(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoActiveSession
	}
	return string(s), nil
}

// AdHoc is a Provider that returns a random id generated on first use and kept for the lifetime
// of the value. It stands in for a real session when the hub runs unattended.
type AdHoc struct {
	once sync.Once
	id   string
}

// NewAdHoc returns an AdHoc provider.
func NewAdHoc() *AdHoc {
	return &AdHoc{}
}

func (a *AdHoc) ActiveSessionID(context.Context) (string, error) {
	a.once.Do(func() {
		a.id = uuid.NewString()
	})
	return a.id, nil
}

// Chain returns a Provider that asks each provider in turn and returns the first id found. A
// provider that fails is logged and skipped. If no provider has a session, the first failure is
// returned, or ErrNoActiveSession if none failed.
func Chain(providers ...Provider) Provider {
	return chain(providers)
}

type chain []Provider

func (c chain) ActiveSessionID(ctx context.Context) (string, error) {
	var firstErr error
	for _, p := range c {
		if p == nil {
			continue
		}
		id, err := p.ActiveSessionID(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoActiveSession) {
			log.Warning("Session lookup failed, trying next provider: %s", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", ErrNoActiveSession
}

// Cached wraps a Provider and remembers its answers, including the absence of a session, for
// ttl. Other errors are not cached.
type Cached struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	lock    sync.Mutex
	id      string
	err     error
	expires time.Time
}

// NewCached returns a caching Provider. A non-positive ttl disables caching.
func NewCached(p Provider, ttl time.Duration) *Cached {
	return &Cached{provider: p, ttl: ttl, now: time.Now}
}

func (c *Cached) ActiveSessionID(ctx context.Context) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now()
	if c.ttl > 0 && now.Before(c.expires) {
		return c.id, c.err
	}
	id, err := c.provider.ActiveSessionID(ctx)
	if err != nil && !errors.Is(err, ErrNoActiveSession) {
		return "", err
	}
	c.id, c.err = id, err
	c.expires = now.Add(c.ttl)
	return id, err
}

// Invalidate drops the cached answer.
func (c *Cached) Invalidate() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.expires = time.Time{}
}
