// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
)

// Pool reuses server sessions so a short-lived operation does not burn a
// fresh lsid per command. Checkin pushes to the front and Checkout pops
// from the front, so the most recently used session is reused first and
// the stalest sessions age out at the back.
type Pool struct {
	mu   sync.Mutex
	idle []*Session

	// timeoutMinutes mirrors the topology's logicalSessionTimeoutMinutes;
	// zero disables idle expiry.
	timeoutMinutes int64
}

// NewPool returns an empty session pool.
func NewPool() *Pool {
	return &Pool{}
}

// UpdateTimeout records the server-advertised session timeout used to
// decide when an idle session is too old to reuse.
func (p *Pool) UpdateTimeout(minutes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutMinutes = minutes
}

// Checkout returns a pooled session, or allocates a new one if every
// pooled session has expired or the pool is empty. Expired sessions
// encountered on the way are dropped.
func (p *Pool) Checkout() (*Session, error) {
	p.mu.Lock()
	timeout := p.timeoutMinutes
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		if s.expired(timeout) {
			continue
		}
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := NewSession(Options{})
	if err != nil {
		return nil, err
	}
	s.pool = p
	return s, nil
}

// Checkin returns s to the pool. Dirty and expired sessions are discarded;
// the server is responsible for reaping their lsids.
func (p *Pool) Checkin(s *Session) {
	if s == nil || s.Dirty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.expired(p.timeoutMinutes) {
		return
	}
	p.idle = append([]*Session{s}, p.idle...)
}

// Len returns the number of idle sessions, for tests and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
