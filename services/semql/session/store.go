// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// entry pairs a session with its own mutex so that concurrent requests
// for the same id serialize while distinct ids proceed in parallel.
type entry struct {
	mu      sync.Mutex
	session *Session
}

// Options configure a Store.
type Options struct {
	Clock              clockwork.Clock
	IdleTimeout        time.Duration
	MaxClarifyAttempts int
}

// Option mutates Options.
type Option func(*Options)

// WithClock injects a clock, letting tests drive idle expiry.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithIdleTimeout overrides the inactivity window.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = d }
}

// WithMaxClarifyAttempts overrides the clarification budget.
func WithMaxClarifyAttempts(n int) Option {
	return func(o *Options) { o.MaxClarifyAttempts = n }
}

// Store is the shared session map. Entries are evicted from memory a
// while after the idle timeout; idle expiry itself is observed against
// the injected clock on next access, so a fake clock sees abandonment
// deterministically.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cache       *ttlcache.Cache[string, *entry]
	clock       clockwork.Clock
	idleTimeout time.Duration
	maxClarify  int
}

// NewStore creates a Store and starts its eviction loop.
func NewStore(opts ...Option) *Store {
	o := Options{
		Clock:              clockwork.NewRealClock(),
		IdleTimeout:        DefaultIdleTimeout,
		MaxClarifyAttempts: DefaultMaxClarifyAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cache := ttlcache.New[string, *entry](
		ttlcache.WithTTL[string, *entry](2 * o.IdleTimeout),
	)
	go cache.Start()

	return &Store{
		cache:       cache,
		clock:       clockOrDefault(o.Clock),
		idleTimeout: o.IdleTimeout,
		maxClarify:  o.MaxClarifyAttempts,
	}
}

func clockOrDefault(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}

// MaxClarifyAttempts returns the configured clarification budget.
func (s *Store) MaxClarifyAttempts() int { return s.maxClarify }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// With runs fn under exclusive access to the session for id, creating
// the session on first use. A session found idle past the timeout is
// abandoned before fn observes it; fn decides how to surface that.
//
// Inputs:
//
//	ctx - Honored between acquiring the entry and running fn.
//	id  - Session id. Must be non-empty.
//	fn  - Body to run while holding the session. Must not retain the
//	      *Session past its return.
//
// Outputs:
//
//	error - ctx.Err() if the context ended first, else fn's error.
//
// Thread Safety: Safe for concurrent use; calls for the same id
// serialize in arrival order of lock acquisition.
func (s *Store) With(ctx context.Context, id string, fn func(*Session) error) error {
	item, _ := s.cache.GetOrSet(id, &entry{session: NewSession(id, s.clock.Now())})
	e := item.Value()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if e.session.IdleExpired(s.clock.Now(), s.idleTimeout) {
		e.session.Abandon(ReasonIdle)
	}
	return fn(e.session)
}

// Reset replaces the session for id with a fresh one in state New. The
// old session, if any, is abandoned first so observers holding its id
// see a terminal state, not silent reuse.
func (s *Store) Reset(id string) {
	item, _ := s.cache.GetOrSet(id, &entry{session: NewSession(id, s.clock.Now())})
	e := item.Value()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.Terminal() {
		e.session.Abandon(ReasonReset)
	}
	e.session = NewSession(id, s.clock.Now())
}

// Snapshot returns a shallow copy of the session for id, or nil when the
// id is unknown. Intended for status endpoints.
func (s *Store) Snapshot(id string) *Session {
	item := s.cache.Get(id)
	if item == nil {
		return nil
	}
	e := item.Value()
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := *e.session
	return &copied
}

// Close stops the eviction loop.
func (s *Store) Close() {
	s.cache.Stop()
}
