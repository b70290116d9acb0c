// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the operation executor: the layer that resolves
// a logical operation into a wire-protocol exchange against a selected
// server, applying session, transaction, and retry semantics. The
// Deployment/Server/Connection interfaces decouple it from the concrete
// topology and pool types so tests can substitute fakes that never touch
// the network.
package driver

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/connection"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/internal/topology"
	"github.com/mongowire/driver/mongerr"
)

// Connection is the subset of a pooled connection the executor needs.
type Connection interface {
	RunCommand(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error)
	ID() string
	Generation() uint64
	ServiceID() string
}

// Server is one selectable server: a connection source plus the SDAM
// error-feedback hooks.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
	Checkin(Connection)
	ProcessError(err error, generation uint64, serviceID string)
	RequestImmediateCheck()
	Address() address.Address
}

// Deployment is the executor's view of the cluster.
type Deployment interface {
	// SelectServer picks a server for rp. A non-empty pinned address
	// bypasses selection (sharded transactions). A non-empty exclude
	// address is avoided when an alternative exists (retry after a
	// failure).
	SelectServer(ctx context.Context, rp description.ReadPreference, pinned, exclude address.Address) (Server, error)
	Description() *description.Topology
	SupportsSessions() bool
}

// NewDeployment adapts a running topology into the executor's Deployment
// interface. localThreshold is the latency window width for selection.
func NewDeployment(t *topology.Topology, localThreshold time.Duration) Deployment {
	return &topologyDeployment{
		topo:           t,
		localThreshold: localThreshold,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type topologyDeployment struct {
	topo           *topology.Topology
	localThreshold time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func (d *topologyDeployment) SelectServer(ctx context.Context, rp description.ReadPreference, pinned, exclude address.Address) (Server, error) {
	if pinned != "" {
		srv, ok := d.topo.Server(pinned)
		if !ok {
			return nil, mongerr.New(mongerr.KindServerSelectionTimeout,
				"transaction is pinned to a server that is no longer part of the topology")
		}
		return &topologyServer{s: srv}, nil
	}

	candidates, err := d.topo.WaitForServerSelection(ctx, rp, d.localThreshold)
	if err != nil {
		return nil, err
	}

	if exclude != "" && len(candidates) > 1 {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.Address != exclude {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			candidates = kept
		}
	}

	d.rngMu.Lock()
	pick := candidates[d.rng.Intn(len(candidates))]
	d.rngMu.Unlock()

	srv, ok := d.topo.Server(pick.Address)
	if !ok {
		return nil, mongerr.New(mongerr.KindServerSelectionTimeout,
			"selected server was removed from the topology before checkout")
	}
	return &topologyServer{s: srv}, nil
}

func (d *topologyDeployment) Description() *description.Topology {
	return d.topo.Description()
}

func (d *topologyDeployment) SupportsSessions() bool {
	desc := d.topo.Description()
	return desc.SessionTimeoutMinutes != nil || desc.Kind == description.LoadBalanced
}

type topologyServer struct {
	s *topology.Server
}

func (ts *topologyServer) Connection(ctx context.Context) (Connection, error) {
	conn, err := ts.s.Pool().Checkout(ctx)
	if err != nil {
		switch err {
		case connection.ErrWaitQueueTimeout, connection.ErrWaitQueueFull:
			return nil, mongerr.Wrap(mongerr.KindWaitQueueTimeout, err, "connection checkout timed out")
		default:
			return nil, mongerr.Wrap(mongerr.KindConnectionError, err, "connection checkout failed")
		}
	}
	return conn, nil
}

func (ts *topologyServer) Checkin(conn Connection) {
	if c, ok := conn.(*connection.Connection); ok {
		ts.s.Pool().Checkin(c)
	}
}

func (ts *topologyServer) ProcessError(err error, generation uint64, serviceID string) {
	ts.s.ProcessError(err, generation, serviceID)
}

func (ts *topologyServer) RequestImmediateCheck() {
	ts.s.RequestImmediateCheck()
}

func (ts *topologyServer) Address() address.Address {
	return ts.s.Address()
}
