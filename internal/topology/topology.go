// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/connection"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/mongerr"

	"github.com/mongowire/driver/event"
)

// Config configures a Topology manager.
type Config struct {
	Mode              description.TopologyKind // Single, ReplicaSetNoPrimary (for "replicaSet" seed lists), Sharded, or LoadBalanced
	SetName           string
	Seeds             []address.Address
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	AppName           string
	PoolConfig        connection.PoolConfig // Address is overwritten per server
	SDAMMonitor       *event.SDAMMonitor
	TopologyID        string
}

// Topology owns the per-server monitors and folds their heartbeat results
// into an aggregate description.Topology, implementing the SDAM state
// machine: stale-primary rejection via (setVersion,
// electionId), set_name mismatch removal, host-list reconciliation, and
// the Single/Sharded/ReplicaSet/LoadBalanced topology-kind transitions.
type Topology struct {
	cfg Config

	mu      sync.Mutex
	desc    *description.Topology
	servers map[address.Address]*Server

	descAtomic atomic.Value // *description.Topology, lock-free reads

	subLock     sync.Mutex
	subscribers map[uint64]chan *description.Topology
	nextSubID   uint64
}

// New constructs a Topology manager and starts monitors for every seed.
// The caller must call Close when finished.
func New(cfg Config) *Topology {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	initialKind := cfg.Mode
	if initialKind == description.ReplicaSetWithPrimary {
		initialKind = description.ReplicaSetNoPrimary
	}

	t := &Topology{
		cfg:         cfg,
		desc:        description.NewTopology(initialKind, cfg.SetName),
		servers:     make(map[address.Address]*Server),
		subscribers: make(map[uint64]chan *description.Topology),
	}
	t.descAtomic.Store(t.desc.Clone())
	t.publishOpening()

	for _, seed := range cfg.Seeds {
		t.addServer(seed)
	}
	return t
}

// Description returns a read-only snapshot of the aggregate topology
// description.
func (t *Topology) Description() *description.Topology {
	d, _ := t.descAtomic.Load().(*description.Topology)
	return d
}

// Server returns the monitor for addr, if known.
func (t *Topology) Server(addr address.Address) (*Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[addr]
	return s, ok
}

// Subscribe registers for every future aggregate-description update.
func (t *Topology) Subscribe() (*TopologySubscription, func()) {
	t.subLock.Lock()
	defer t.subLock.Unlock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan *description.Topology, 1)
	ch <- t.Description()
	t.subscribers[id] = ch
	return &TopologySubscription{C: ch}, func() {
		t.subLock.Lock()
		defer t.subLock.Unlock()
		if c, ok := t.subscribers[id]; ok {
			close(c)
			delete(t.subscribers, id)
		}
	}
}

// TopologySubscription delivers aggregate description updates.
type TopologySubscription struct {
	C <-chan *description.Topology
}

// Close stops every server monitor.
func (t *Topology) Close() {
	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()

	for _, s := range servers {
		s.Disconnect()
	}
	t.publishClosed()
}

func (t *Topology) addServer(addr address.Address) *Server {
	t.mu.Lock()
	if s, ok := t.servers[addr]; ok {
		t.mu.Unlock()
		return s
	}
	poolCfg := t.cfg.PoolConfig
	poolCfg.Address = addr
	srv := NewServer(addr, ServerConfig{
		HeartbeatInterval: t.cfg.HeartbeatInterval,
		ConnectTimeout:    t.cfg.ConnectTimeout,
		AppName:           t.cfg.AppName,
		PoolConfig:        poolCfg,
		SDAMMonitor:       t.cfg.SDAMMonitor,
		TopologyID:        t.cfg.TopologyID,
	})
	t.servers[addr] = srv
	t.mu.Unlock()

	srv.Connect(t.apply)
	return srv
}

func (t *Topology) removeServer(addr address.Address) {
	t.mu.Lock()
	s, ok := t.servers[addr]
	if ok {
		delete(t.servers, addr)
	}
	t.mu.Unlock()
	if ok {
		s.Disconnect()
	}
}

// apply is the UpdateCallback every Server invokes with its latest
// heartbeat result. It mutates the aggregate topology under lock per the
// SDAM transition rules and returns the ServerDescription that should
// actually be stored (a stale primary is downgraded to Unknown before
// being stored).
func (t *Topology) apply(desc description.ServerDescription) description.ServerDescription {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.desc.Kind == description.Single {
		t.desc.Servers[desc.Address] = desc
		t.desc.Refresh()
		t.publishAndStore()
		return desc
	}

	if t.desc.Kind == description.LoadBalanced {
		t.desc.Servers[desc.Address] = desc
		t.desc.Refresh()
		t.publishAndStore()
		return desc
	}

	result := t.applyReplicaSetOrSharded(desc)
	t.desc.Refresh()
	t.publishAndStore()
	return result
}

func (t *Topology) applyReplicaSetOrSharded(desc description.ServerDescription) description.ServerDescription {
	if desc.Kind == description.RSGhost {
		// Ghosts carry no useful topology information; store as-is but
		// don't let them affect Kind or host reconciliation.
		if _, tracked := t.desc.Servers[desc.Address]; tracked {
			t.desc.Servers[desc.Address] = desc
		}
		return desc
	}

	if desc.Kind == description.Standalone {
		if len(t.desc.Servers) > 1 {
			delete(t.desc.Servers, desc.Address)
			go t.removeServer(desc.Address)
			return desc
		}
		t.desc.Kind = description.Single
		t.desc.Servers[desc.Address] = desc
		return desc
	}

	if desc.Kind == description.Mongos {
		t.desc.Kind = description.Sharded
		t.desc.Servers[desc.Address] = desc
		return desc
	}

	if desc.Kind == description.Unknown {
		t.desc.Servers[desc.Address] = desc
		t.recomputeKind()
		return desc
	}

	if t.desc.SetName != "" && desc.SetName != "" && desc.SetName != t.desc.SetName {
		delete(t.desc.Servers, desc.Address)
		go t.removeServer(desc.Address)
		return description.NewServerFromError(desc.Address,
			fmt.Errorf("topology: server reports setName %q, expected %q", desc.SetName, t.desc.SetName), nil)
	}

	switch desc.Kind {
	case description.RSPrimary:
		return t.applyPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		return t.applySecondaryLike(desc)
	default:
		t.desc.Servers[desc.Address] = desc
		return desc
	}
}

func (t *Topology) applyPrimary(desc description.ServerDescription) description.ServerDescription {
	if existing, ok := t.desc.Primary(); ok && existing.Address != desc.Address {
		if isStalerElection(t.desc.MaxSetVersion, t.desc.MaxElectionID, desc.SetVersion, desc.ElectionID) {
			// Incoming primary is behind the one we already trust; demote
			// it to Unknown rather than accept it.
			stale := desc
			stale.Kind = description.Unknown
			t.desc.Servers[desc.Address] = stale
			return stale
		}
		// The incoming primary is fresher (or incomparable); demote the
		// old primary and accept the new one.
		demoted := existing
		demoted.Kind = description.Unknown
		t.desc.Servers[existing.Address] = demoted
	}

	if desc.SetVersion > t.desc.MaxSetVersion {
		t.desc.MaxSetVersion = desc.SetVersion
		t.desc.MaxElectionID = desc.ElectionID
	} else if desc.SetVersion == t.desc.MaxSetVersion && desc.ElectionID > t.desc.MaxElectionID {
		t.desc.MaxElectionID = desc.ElectionID
	}

	t.desc.SetName = desc.SetName
	t.desc.Kind = description.ReplicaSetWithPrimary
	t.desc.Servers[desc.Address] = desc
	t.reconcileHosts(desc)
	t.recomputeKind()
	return desc
}

func (t *Topology) applySecondaryLike(desc description.ServerDescription) description.ServerDescription {
	if t.desc.Kind == description.TopologyUnknown {
		t.desc.Kind = description.ReplicaSetNoPrimary
	}
	if t.desc.SetName == "" {
		t.desc.SetName = desc.SetName
	}
	t.desc.Servers[desc.Address] = desc
	t.reconcileHosts(desc)
	t.recomputeKind()
	return desc
}

// reconcileHosts adds monitors for any host desc names that aren't yet
// tracked host-list reconciliation. Removal of servers
// no longer named by any member is intentionally conservative: it only
// happens when the current primary stops naming a host, mirroring the
// "primary is authoritative for membership" rule.
func (t *Topology) reconcileHosts(desc description.ServerDescription) {
	known := make(map[address.Address]bool, len(desc.Hosts)+len(desc.Passives)+len(desc.Arbiters))
	for _, h := range desc.Hosts {
		known[h] = true
	}
	for _, h := range desc.Passives {
		known[h] = true
	}
	for _, h := range desc.Arbiters {
		known[h] = true
	}

	for addr := range known {
		if _, ok := t.desc.Servers[addr]; !ok {
			t.desc.Servers[addr] = description.NewDefaultServer(addr)
			go t.addServer(addr)
		}
	}

	if desc.Kind == description.RSPrimary {
		for addr := range t.desc.Servers {
			if addr != desc.Address && !known[addr] {
				delete(t.desc.Servers, addr)
				go t.removeServer(addr)
			}
		}
	}
}

func (t *Topology) recomputeKind() {
	if t.desc.Kind == description.Single || t.desc.Kind == description.Sharded || t.desc.Kind == description.LoadBalanced {
		return
	}
	if _, ok := t.desc.Primary(); ok {
		t.desc.Kind = description.ReplicaSetWithPrimary
	} else {
		t.desc.Kind = description.ReplicaSetNoPrimary
	}
}

// isStalerElection reports whether a candidate (setVersion, electionID)
// pair is older than the topology's current maximum
// stale-primary rejection rule.
func isStalerElection(maxSetVersion int64, maxElectionID string, setVersion int64, electionID string) bool {
	if setVersion < maxSetVersion {
		return true
	}
	if setVersion == maxSetVersion && electionID < maxElectionID {
		return true
	}
	return false
}

func (t *Topology) publishAndStore() {
	snapshot := t.desc.Clone()
	t.descAtomic.Store(snapshot)

	t.subLock.Lock()
	for _, c := range t.subscribers {
		select {
		case <-c:
		default:
		}
		c <- snapshot
	}
	t.subLock.Unlock()
}

func (t *Topology) publishOpening() {
	if t.cfg.SDAMMonitor != nil && t.cfg.SDAMMonitor.TopologyOpening != nil {
		t.cfg.SDAMMonitor.TopologyOpening(event.TopologyOpeningEvent{TopologyID: t.cfg.TopologyID})
	}
}

func (t *Topology) publishClosed() {
	if t.cfg.SDAMMonitor != nil && t.cfg.SDAMMonitor.TopologyClosed != nil {
		t.cfg.SDAMMonitor.TopologyClosed(event.TopologyClosedEvent{TopologyID: t.cfg.TopologyID})
	}
}

// WaitForServerSelection blocks until SelectCandidates, run against the
// current description with the topology's configured heartbeat interval,
// returns at least one candidate, the topology's CompatibilityError is
// set, or ctx is done (the outer retry loop the selector itself doesn't
// own).
func (t *Topology) WaitForServerSelection(ctx context.Context, rp description.ReadPreference, localThreshold time.Duration) ([]description.ServerDescription, error) {
	sub, cancel := t.Subscribe()
	defer cancel()

	for {
		desc := t.Description()
		if desc.CompatibilityError != nil {
			return nil, mongerr.Wrap(mongerr.KindCompatibilityError, desc.CompatibilityError, "incompatible server wire version")
		}
		if candidates := description.SelectCandidates(desc, rp, localThreshold, t.cfg.HeartbeatInterval); len(candidates) > 0 {
			return candidates, nil
		}

		for _, s := range t.serversSnapshot() {
			s.RequestImmediateCheck()
		}

		select {
		case <-ctx.Done():
			return nil, mongerr.New(mongerr.KindServerSelectionTimeout, "server selection timed out: no suitable server found")
		case <-sub.C:
		}
	}
}

func (t *Topology) serversSnapshot() []*Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		out = append(out, s)
	}
	return out
}
