// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mongowire/driver/internal/address"

	"github.com/mongowire/driver/event"
)

// DefaultMaxConnecting bounds how many connections a pool will establish
// concurrently when no explicit limit is configured.
const DefaultMaxConnecting = 2

// PoolState mirrors the CMAP pool states: a pool starts
// Paused until the server's monitor reports it reachable, runs while
// serving checkouts, and is Closed once torn down.
type PoolState int

// The three pool lifecycle states.
const (
	PoolPaused PoolState = iota
	PoolReady
	PoolClosed
)

// ErrPoolClosed is returned by Checkout once the pool has been closed.
var ErrPoolClosed = fmt.Errorf("connection: pool is closed")

// ErrWaitQueueTimeout is returned when a checkout's context expires before
// a connection becomes available "wait-queue FIFO".
var ErrWaitQueueTimeout = fmt.Errorf("connection: timed out waiting for a connection from the pool")

// ErrPoolCleared names the cleared-pool condition. Checkout does not return
// it: while a whole-pool Clear has the pool paused, Checkout waits until
// Ready is called, and fails with ErrWaitQueueTimeout if its context ends
// first.
var ErrPoolCleared = fmt.Errorf("connection: connection pool was cleared")

// PoolConfig configures a Pool's sizing, timeouts, and dial parameters.
type PoolConfig struct {
	Address        address.Address
	MinSize        int
	MaxSize        int
	MaxIdleTime    time.Duration
	WaitQueueSize  int
	ConnectTimeout time.Duration
	AppName        string
	ConnConfig     *Config // handshake-relevant fields: TLSConfig, Compressors, Authenticator
	Dialer         Dialer
	Monitor        *event.PoolMonitor

	// MaxConnecting bounds concurrent connection establishment; zero
	// means DefaultMaxConnecting.
	MaxConnecting int
}

// Pool manages the set of connections to a single server: a bounded
// size, idle reaping, a generation counter that lets
// clear() invalidate every outstanding connection without blocking, and
// load-balanced mode's service_id-scoped clears.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	cfg         PoolConfig
	state       PoolState
	generation  uint64
	serviceGens map[string]uint64 // load-balanced mode: per-service_id generation
	idle        []*Connection
	totalOpen   int
	waiting     int
	closed      bool
	stopReaper  chan struct{}

	// connecting serializes dial attempts down to MaxConnecting at a
	// time, so a burst of checkouts cannot stampede a recovering server.
	connecting *semaphore.Weighted
}

// ErrWaitQueueFull is returned immediately, without joining the queue,
// when PoolConfig.WaitQueueSize waiters are already queued.
var ErrWaitQueueFull = fmt.Errorf("connection: wait queue is full")

// NewPool constructs a Pool in the Paused state; Ready must be called once
// the server is known to be reachable before checkouts are served.
func NewPool(cfg PoolConfig) *Pool {
	maxConnecting := cfg.MaxConnecting
	if maxConnecting <= 0 {
		maxConnecting = DefaultMaxConnecting
	}
	p := &Pool{
		cfg:         cfg,
		state:       PoolPaused,
		serviceGens: make(map[string]uint64),
		stopReaper:  make(chan struct{}),
		connecting:  semaphore.NewWeighted(int64(maxConnecting)),
	}
	p.cond = sync.NewCond(&p.mu)
	p.publish(func(m *event.PoolMonitor) {
		if m.PoolCreated != nil {
			m.PoolCreated(event.PoolCreatedEvent{Address: string(cfg.Address)})
		}
	})
	go p.reapLoop()
	return p
}

// Ready transitions the pool from Paused to Ready, allowing checkouts to
// proceed and dial new connections, and warms the pool up to MinSize.
func (p *Pool) Ready() {
	p.mu.Lock()
	if p.state == PoolClosed {
		p.mu.Unlock()
		return
	}
	p.state = PoolReady
	p.mu.Unlock()

	p.publish(func(m *event.PoolMonitor) {
		if m.PoolReady != nil {
			m.PoolReady(event.PoolReadyEvent{Address: string(p.cfg.Address)})
		}
	})

	if p.cfg.MinSize > 0 {
		go p.warmUp()
	}
}

func (p *Pool) warmUp() {
	var g errgroup.Group
	for i := 0; i < p.cfg.MinSize; i++ {
		g.Go(func() error {
			p.mu.Lock()
			if p.closed || p.totalOpen >= p.cfg.MinSize {
				p.mu.Unlock()
				return nil
			}
			p.totalOpen++
			gen := p.generation
			p.mu.Unlock()

			conn, err := p.dial(context.Background(), gen)
			if err != nil {
				p.mu.Lock()
				p.totalOpen--
				p.mu.Unlock()
				return err
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				conn.Close("pool closed during warm-up")
				return nil
			}
			conn.state = StateAvailable
			p.idle = append(p.idle, conn)
			p.cond.Signal()
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Checkout removes a connection from the idle list or dials a new one,
// blocking FIFO-style until one is available or ctx is done.
func (p *Pool) Checkout(ctx context.Context) (*Connection, error) {
	p.publish(func(m *event.PoolMonitor) {
		if m.ConnectionCheckOutStarted != nil {
			m.ConnectionCheckOutStarted(event.ConnectionCheckOutStartedEvent{Address: string(p.cfg.Address)})
		}
	})

	conn, err := p.checkout(ctx)
	if err != nil {
		p.publish(func(m *event.PoolMonitor) {
			if m.ConnectionCheckOutFailed != nil {
				m.ConnectionCheckOutFailed(event.ConnectionCheckOutFailedEvent{Address: string(p.cfg.Address), Reason: err.Error()})
			}
		})
		return nil, err
	}

	p.publish(func(m *event.PoolMonitor) {
		if m.ConnectionCheckedOut != nil {
			m.ConnectionCheckedOut(event.ConnectionCheckedOutEvent{Address: string(p.cfg.Address), ConnectionID: conn.numericID})
		}
	})
	return conn, nil
}

func (p *Pool) checkout(ctx context.Context) (*Connection, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-done:
		}
	}()

	p.mu.Lock()
	if p.cfg.WaitQueueSize > 0 && p.waiting >= p.cfg.WaitQueueSize {
		p.mu.Unlock()
		return nil, ErrWaitQueueFull
	}
	p.waiting++
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	for {
		if p.state == PoolClosed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ErrWaitQueueTimeout
		default:
		}

		if p.state != PoolReady {
			p.cond.Wait()
			continue
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if conn.Stale(p.currentGenerationLocked(conn.serviceID)) || conn.Expired() {
				p.totalOpen--
				p.mu.Unlock()
				conn.Close("stale")
				p.mu.Lock()
				continue
			}

			conn.state = StateInUse
			p.mu.Unlock()
			return conn, nil
		}

		if p.cfg.MaxSize <= 0 || p.totalOpen < p.cfg.MaxSize {
			p.totalOpen++
			gen := p.generation
			p.mu.Unlock()

			conn, err := p.dial(ctx, gen)
			if err != nil {
				p.mu.Lock()
				p.totalOpen--
				p.mu.Unlock()
				return nil, err
			}
			conn.state = StateInUse
			return conn, nil
		}

		p.cond.Wait()
	}
}

func (p *Pool) currentGenerationLocked(serviceID string) uint64 {
	if serviceID == "" {
		return p.generation
	}
	return p.serviceGens[serviceID]
}

// Generation returns the pool's current (non-load-balanced) generation
// counter, for comparison against a connection's generation when deciding
// whether an error it reported is stale.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Pool) dial(ctx context.Context, generation uint64) (*Connection, error) {
	if err := p.connecting.Acquire(ctx, 1); err != nil {
		return nil, ErrWaitQueueTimeout
	}
	defer p.connecting.Release(1)

	connCfg := Config{
		ConnectTimeout: p.cfg.ConnectTimeout,
		IdleTimeout:    p.cfg.MaxIdleTime,
		AppName:        p.cfg.AppName,
		Generation:     generation,
		PoolMonitor:    p.cfg.Monitor,
	}
	if p.cfg.ConnConfig != nil {
		connCfg.TLSConfig = p.cfg.ConnConfig.TLSConfig
		connCfg.Compressors = p.cfg.ConnConfig.Compressors
		connCfg.Authenticator = p.cfg.ConnConfig.Authenticator
	}
	if p.cfg.Dialer != nil {
		connCfg.Dialer = p.cfg.Dialer
	}

	conn, _, err := Dial(ctx, p.cfg.Address, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connection: pool dial %s: %w", p.cfg.Address, err)
	}
	return conn, nil
}

// Checkin returns conn to the idle list, or closes it if the pool has
// since been cleared past conn's generation or closed outright.
func (p *Pool) Checkin(conn *Connection) {
	p.publish(func(m *event.PoolMonitor) {
		if m.ConnectionCheckedIn != nil {
			m.ConnectionCheckedIn(event.ConnectionCheckedInEvent{Address: string(p.cfg.Address), ConnectionID: conn.numericID})
		}
	})

	p.mu.Lock()
	if p.state == PoolClosed || conn.Stale(p.currentGenerationLocked(conn.serviceID)) || conn.Expired() {
		p.totalOpen--
		p.mu.Unlock()
		conn.Close("returned stale")
		return
	}
	conn.state = StateAvailable
	conn.bumpIdle()
	p.idle = append(p.idle, conn)
	p.cond.Signal()
	p.mu.Unlock()
}

// Clear bumps the pool's generation, invalidating every outstanding and
// idle connection. A whole-pool clear (empty serviceID) also pauses the
// pool, so checkouts wait until Ready is called. If serviceID is non-empty
// (load-balanced mode), only that service's connections are invalidated;
// all others are untouched and the pool is not paused.
func (p *Pool) Clear(serviceID string) {
	p.mu.Lock()
	if serviceID == "" {
		p.generation++
		p.state = PoolPaused
	} else {
		p.serviceGens[serviceID]++
	}

	var toClose []*Connection
	remaining := p.idle[:0]
	for _, conn := range p.idle {
		if conn.Stale(p.currentGenerationLocked(conn.serviceID)) {
			toClose = append(toClose, conn)
		} else {
			remaining = append(remaining, conn)
		}
	}
	p.idle = remaining
	p.totalOpen -= len(toClose)
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.Close("pool cleared")
	}

	p.publish(func(m *event.PoolMonitor) {
		if m.PoolCleared != nil {
			m.PoolCleared(event.PoolClearedEvent{Address: string(p.cfg.Address), ServiceID: serviceID})
		}
	})
}

// Close permanently shuts down the pool, closing every idle connection and
// waking any waiters with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = PoolClosed
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopReaper)
	p.cond.Broadcast()

	for _, conn := range idle {
		conn.Close("pool closed")
	}

	p.publish(func(m *event.PoolMonitor) {
		if m.PoolClosed != nil {
			m.PoolClosed(event.PoolClosedEvent{Address: string(p.cfg.Address)})
		}
	})
}

// reapLoop periodically evicts idle connections that have exceeded
// MaxIdleTime.
func (p *Pool) reapLoop() {
	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.MaxIdleTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	p.mu.Lock()
	var toClose []*Connection
	var remaining []*Connection
	for _, conn := range p.idle {
		if conn.Expired() && p.totalOpen > p.cfg.MinSize {
			toClose = append(toClose, conn)
			p.totalOpen--
		} else {
			remaining = append(remaining, conn)
		}
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.Close("idle")
	}
}

func (p *Pool) publish(fn func(*event.PoolMonitor)) {
	if p.cfg.Monitor != nil {
		fn(p.cfg.Monitor)
	}
}
