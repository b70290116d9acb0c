// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the per-server heartbeat monitor and the
// topology-wide SDAM state machine that folds heartbeat results into a
// single cluster description.
package topology

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/connection"
	"github.com/mongowire/driver/internal/csot"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/mongerr"

	"github.com/mongowire/driver/event"
)

const minHeartbeatInterval = 500 * time.Millisecond

// DefaultHeartbeatInterval is the interval between heartbeats absent an
// explicit ServerConfig.HeartbeatInterval.
const DefaultHeartbeatInterval = 10 * time.Second

// serverState tracks a monitor goroutine's lifecycle.
type serverState int32

const (
	serverDisconnected serverState = iota
	serverConnected
	serverClosed
)

// UpdateCallback is invoked by a Server whenever a new ServerDescription is
// produced, letting the owning Topology fold it into the aggregate
// description and returning the description that should actually be
// stored (the topology may downgrade a stale primary to Unknown, etc).
type UpdateCallback func(description.ServerDescription) description.ServerDescription

// ServerConfig configures a Server monitor.
type ServerConfig struct {
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	AppName           string
	PoolConfig        connection.PoolConfig
	SDAMMonitor       *event.SDAMMonitor
	TopologyID        string
}

// Server owns one server's connection pool and heartbeat monitor loop. It
// holds the latest ServerDescription in an atomic.Value so selection reads
// never block on the monitor goroutine.
type Server struct {
	addr  address.Address
	cfg   ServerConfig
	pool  *connection.Pool
	state int32

	desc           atomic.Value // description.ServerDescription
	updateCallback atomic.Value // UpdateCallback

	done     chan struct{}
	checkNow chan struct{}
	closewg  sync.WaitGroup

	subLock     sync.Mutex
	subscribers map[uint64]chan description.ServerDescription
	nextSubID   uint64
	subsClosed  bool

	processErrorLock sync.Mutex

	rtt rttStats

	// monitorConn is the dedicated monitoring connection, owned by the
	// monitor goroutine alone. Never shared with the pool.
	monitorConn *connection.Connection
}

// NewServer constructs a Server monitor for addr, not yet started.
func NewServer(addr address.Address, cfg ServerConfig) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	cfg.PoolConfig.Address = addr

	s := &Server{
		addr:        addr,
		cfg:         cfg,
		pool:        connection.NewPool(cfg.PoolConfig),
		done:        make(chan struct{}),
		checkNow:    make(chan struct{}, 1),
		subscribers: make(map[uint64]chan description.ServerDescription),
	}
	s.desc.Store(description.NewDefaultServer(addr))
	return s
}

// Connect starts the monitor loop and transitions the pool to Ready once
// the first heartbeat succeeds.
func (s *Server) Connect(callback UpdateCallback) {
	if !atomic.CompareAndSwapInt32(&s.state, int32(serverDisconnected), int32(serverConnected)) {
		return
	}
	s.updateCallback.Store(callback)
	s.publishOpening()
	s.closewg.Add(1)
	go s.monitor()
}

// Disconnect stops the monitor loop and closes the pool.
func (s *Server) Disconnect() {
	if !atomic.CompareAndSwapInt32(&s.state, int32(serverConnected), int32(serverClosed)) {
		return
	}
	close(s.done)
	s.closewg.Wait()
	s.pool.Close()
	s.publishClosed()
}

// Description returns the latest ServerDescription observed.
func (s *Server) Description() description.ServerDescription {
	d, _ := s.desc.Load().(description.ServerDescription)
	return d
}

// Pool returns the server's connection pool, for the operation executor's
// checkout calls.
func (s *Server) Pool() *connection.Pool { return s.pool }

// Address returns the server's address.
func (s *Server) Address() address.Address { return s.addr }

// RequestImmediateCheck wakes the monitor loop early, bypassing the
// heartbeat ticker ("immediate-check channel").
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// Subscribe registers for every future ServerDescription update.
func (s *Server) Subscribe() (*Subscription, bool) {
	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subsClosed {
		return nil, false
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan description.ServerDescription, 1)
	ch <- s.Description()
	s.subscribers[id] = ch
	return &Subscription{server: s, id: id, C: ch}, true
}

// Subscription delivers ServerDescription updates for one subscriber.
type Subscription struct {
	server *Server
	id     uint64
	C      <-chan description.ServerDescription
}

// Unsubscribe removes the subscription.
func (sub *Subscription) Unsubscribe() {
	sub.server.subLock.Lock()
	defer sub.server.subLock.Unlock()
	if ch, ok := sub.server.subscribers[sub.id]; ok {
		close(ch)
		delete(sub.server.subscribers, sub.id)
	}
}

// ProcessHandshakeError handles a connection-establishment failure reported
// by the pool, clearing it and forcing a fresh heartbeat.
func (s *Server) ProcessHandshakeError(err error) {
	if err == nil {
		return
	}
	s.updateDescription(description.NewServerFromError(s.addr, err, s.Description().TopologyVersion))
	s.pool.Clear("")
}

// ProcessError applies the SDAM error-handling rules: a state-change
// error marks the server Unknown, triggers an immediate re-check, and
// clears the pool; other network errors mark the server Unknown and clear
// the pool without forcing a re-check.
func (s *Server) ProcessError(err error, connGeneration uint64, connServiceID string) {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil {
		return
	}
	current := s.Description()
	if connGeneration != 0 && connGeneration < s.pool.Generation() {
		return // stale connection; ignore
	}

	merr, ok := mongerr.As(err)
	if ok && merr.IsStateChange() {
		s.updateDescription(description.NewServerFromError(s.addr, err, current.TopologyVersion))
		s.RequestImmediateCheck()
		s.pool.Clear(connServiceID)
		return
	}

	var netErr net.Error
	if ok2 := asNetError(err, &netErr); ok2 && netErr.Timeout() {
		return
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return
	}

	s.updateDescription(description.NewServerFromError(s.addr, err, current.TopologyVersion))
	s.pool.Clear(connServiceID)
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

func (s *Server) updateDescription(desc description.ServerDescription) {
	if cb, ok := s.updateCallback.Load().(UpdateCallback); ok && cb != nil {
		desc = cb(desc)
	}
	previous := s.Description()
	s.desc.Store(desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()

	s.publishDescriptionChanged(previous, desc)
}

// monitor runs the heartbeat ticker loop: a normal
// interval ticker, a minimum-spacing rate limiter so RequestImmediateCheck
// storms can't flood the server, and the done channel for shutdown.
func (s *Server) monitor() {
	defer s.closewg.Done()
	defer func() {
		if s.monitorConn != nil {
			s.monitorConn.Close("monitor stopped")
			s.monitorConn = nil
		}
	}()

	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()

	desc := s.heartbeat()
	s.updateDescription(desc)
	if desc.LastError == nil {
		s.pool.Ready()
	}

	for {
		select {
		case <-s.done:
			s.closeSubscribers()
			return
		default:
		}

		select {
		case <-heartbeatTicker.C:
		case <-s.checkNow:
		case <-s.done:
			s.closeSubscribers()
			return
		}

		select {
		case <-rateLimiter.C:
		case <-s.done:
			s.closeSubscribers()
			return
		}

		desc = s.heartbeat()
		s.updateDescription(desc)
		if desc.LastError == nil {
			s.pool.Ready()
		} else {
			s.pool.Clear("")
		}
	}
}

func (s *Server) closeSubscribers() {
	s.subLock.Lock()
	defer s.subLock.Unlock()
	for id, c := range s.subscribers {
		close(c)
		delete(s.subscribers, id)
	}
	s.subsClosed = true
}

// heartbeat runs one hello against the server over the monitor's
// dedicated connection (dialing it if needed), folds the measured
// round-trip time into the EWMA (newAvg = 0.2*sample + 0.8*oldAvg), and
// returns the resulting ServerDescription. On failure the monitoring
// connection is torn down so the next iteration redials.
func (s *Server) heartbeat() description.ServerDescription {
	ctx, cancel := context.WithTimeout(context.Background(), s.heartbeatTimeout())
	defer cancel()
	ctx = csot.NewSkipMaxTimeContext(ctx)

	start := time.Now()

	if s.monitorConn == nil {
		connCfg := connection.Config{
			ConnectTimeout: s.cfg.ConnectTimeout,
			AppName:        s.cfg.AppName,
		}
		conn, desc, err := connection.Dial(ctx, s.addr, connCfg)
		rtt := time.Since(start)
		if err != nil {
			return description.NewServerFromError(s.addr, err, s.Description().TopologyVersion)
		}
		s.monitorConn = conn
		return s.finishHeartbeat(desc, rtt)
	}

	cmd := s.helloCommand()
	reply, err := s.monitorConn.RunCommand(ctx, "admin", cmd)
	rtt := time.Since(start)
	if err != nil {
		s.monitorConn.Close("heartbeat failed")
		s.monitorConn = nil
		return description.NewServerFromError(s.addr, err, s.Description().TopologyVersion)
	}
	return s.finishHeartbeat(description.NewServerFromHello(s.addr, reply), rtt)
}

// helloCommand builds the monitor's hello. Once a topologyVersion has
// been observed and the server is new enough for the streaming protocol,
// it is echoed back with maxAwaitTimeMS so the server can hold the reply
// until something changes.
func (s *Server) helloCommand() bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().
		AppendInt32("hello", 1).
		AppendBoolean("helloOk", true)
	current := s.Description()
	if tv := current.TopologyVersion; tv != nil && current.MaxWireVersion >= 9 {
		if pid, err := hex.DecodeString(tv.ProcessID); err == nil && len(pid) == 12 {
			tvDoc := bsoncore.NewDocumentBuilder().
				AppendValue("processId", bsoncore.Value{Type: bsoncore.TypeObjectID, Data: pid}).
				AppendInt64("counter", tv.Counter).
				Build()
			b.AppendDocument("topologyVersion", tvDoc).
				AppendInt64("maxAwaitTimeMS", s.cfg.HeartbeatInterval.Milliseconds())
		}
	}
	return b.Build()
}

func (s *Server) finishHeartbeat(desc description.ServerDescription, rtt time.Duration) description.ServerDescription {
	avg := s.updateAverageRTT(rtt)
	desc.AverageRTT = avg
	desc.AverageRTTSet = true
	desc.LastUpdateTime = time.Now()
	return desc
}

// heartbeatTimeout leaves room for an awaitable hello to be held by the
// server for a full heartbeat interval on top of the connect budget.
func (s *Server) heartbeatTimeout() time.Duration {
	base := s.cfg.ConnectTimeout
	if base <= 0 {
		base = 10 * time.Second
	}
	return base + s.cfg.HeartbeatInterval
}

const rttAlpha = 0.2

// rttSampleWindow bounds how many recent samples back the min/p90
// statistics.
const rttSampleWindow = 10

// rttStats tracks a server's round-trip time: the EWMA used by server
// selection plus a small sliding window backing the min/p90 diagnostics.
type rttStats struct {
	mu      sync.Mutex
	set     bool
	ewma    time.Duration
	samples []time.Duration
}

func (r *rttStats) add(sample time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		r.ewma = sample
		r.set = true
	} else {
		r.ewma = time.Duration(rttAlpha*float64(sample) + (1-rttAlpha)*float64(r.ewma))
	}
	r.samples = append(r.samples, sample)
	if len(r.samples) > rttSampleWindow {
		r.samples = r.samples[1:]
	}
	return r.ewma
}

// EWMA implements csot.RTTMonitor.
func (r *rttStats) EWMA() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ewma
}

// Min implements csot.RTTMonitor.
func (r *rttStats) Min() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	min := r.samples[0]
	for _, s := range r.samples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// P90 implements csot.RTTMonitor.
func (r *rttStats) P90() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)*9)/10]
}

// Stats implements csot.RTTMonitor.
func (r *rttStats) Stats() string {
	return fmt.Sprintf("ewma=%v min=%v p90=%v", r.EWMA(), r.Min(), r.P90())
}

// RTTMonitor exposes the server's round-trip-time statistics.
func (s *Server) RTTMonitor() csot.RTTMonitor {
	return &s.rtt
}

func (s *Server) updateAverageRTT(delay time.Duration) time.Duration {
	return s.rtt.add(delay)
}

func (s *Server) publishOpening() {
	if s.cfg.SDAMMonitor != nil && s.cfg.SDAMMonitor.ServerOpening != nil {
		s.cfg.SDAMMonitor.ServerOpening(event.ServerOpeningEvent{TopologyID: s.cfg.TopologyID, Address: string(s.addr)})
	}
}

func (s *Server) publishClosed() {
	if s.cfg.SDAMMonitor != nil && s.cfg.SDAMMonitor.ServerClosed != nil {
		s.cfg.SDAMMonitor.ServerClosed(event.ServerClosedEvent{TopologyID: s.cfg.TopologyID, Address: string(s.addr)})
	}
}

func (s *Server) publishDescriptionChanged(previous, next description.ServerDescription) {
	if s.cfg.SDAMMonitor != nil && s.cfg.SDAMMonitor.ServerDescriptionChanged != nil {
		s.cfg.SDAMMonitor.ServerDescriptionChanged(event.ServerDescriptionChangedEvent{
			TopologyID:          s.cfg.TopologyID,
			Address:             string(s.addr),
			PreviousDescription: previous.Kind.String(),
			NewDescription:      next.Kind.String(),
		})
	}
}
