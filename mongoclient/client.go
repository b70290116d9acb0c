// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongoclient is the user-facing shell over the driver core: a
// Client owns the topology, session pool, and operation executor, and
// hands out Database/Collection handles that delegate every operation to
// the executor. The handles are plain values holding a reference to the
// client; there is no cyclic object graph.
package mongoclient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mongowire/driver/connstring"
	"github.com/mongowire/driver/event"
	"github.com/mongowire/driver/internal/auth"
	"github.com/mongowire/driver/internal/compressor"
	"github.com/mongowire/driver/internal/connection"
	"github.com/mongowire/driver/internal/csot"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/internal/driver"
	"github.com/mongowire/driver/internal/logger"
	"github.com/mongowire/driver/internal/session"
	"github.com/mongowire/driver/internal/topology"
	"github.com/mongowire/driver/mongerr"
)

const defaultServerSelectionTimeout = 30 * time.Second

// ClientOptions carries the observability and dialing hooks that cannot be
// expressed in the connection string.
type ClientOptions struct {
	CommandMonitor *event.CommandMonitor
	SDAMMonitor    *event.SDAMMonitor
	PoolMonitor    *event.PoolMonitor
	Logger         *logger.Logger
	Dialer         connection.Dialer
}

// Client is a handle to a deployment. It is safe for concurrent use; all
// of its child handles share its executor.
type Client struct {
	topo     *topology.Topology
	executor *driver.Executor
	sessPool *session.Pool
	clock    *session.ClusterClock

	// sdamBus fans server-description changes out to any number of
	// application subscribers without coupling them to the monitor
	// callback.
	sdamBus *event.Bus[event.ServerDescriptionChangedEvent]

	cs                     *connstring.ConnString
	readPref               description.ReadPreference
	serverSelectionTimeout time.Duration
	stopWatcher            func()
}

// Connect parses uri, starts the topology's monitors, and returns a ready
// Client. The returned client must be closed with Disconnect.
func Connect(uri string, opts *ClientOptions) (*Client, error) {
	cs, err := connstring.Parse(uri)
	if err != nil {
		return nil, err
	}
	if cs.IsSRV {
		return nil, mongerr.New(mongerr.KindInvalidArgument,
			"mongodb+srv requires a DNS seed-list resolver; resolve the SRV record and connect with mongodb://")
	}
	if opts == nil {
		opts = &ClientOptions{}
	}

	clock := &session.ClusterClock{}
	sessPool := session.NewPool()
	bus := event.NewBus[event.ServerDescriptionChangedEvent]()

	sdam := chainSDAMMonitor(opts.SDAMMonitor, bus)

	c := &Client{
		sessPool: sessPool,
		clock:    clock,
		sdamBus:  bus,
		cs:       cs,
		readPref: readPrefFromConnString(cs),
	}

	c.serverSelectionTimeout = cs.ServerSelectionTimeout
	if c.serverSelectionTimeout <= 0 {
		c.serverSelectionTimeout = defaultServerSelectionTimeout
	}

	c.topo = topology.New(topology.Config{
		Mode:              topologyMode(cs),
		SetName:           cs.ReplicaSet,
		Seeds:             cs.Hosts,
		HeartbeatInterval: cs.HeartbeatFrequency,
		ConnectTimeout:    cs.ConnectTimeout,
		AppName:           cs.AppName,
		PoolConfig:        poolConfig(cs, opts),
		SDAMMonitor:       sdam,
		TopologyID:        uuid.NewString(),
	})

	localThreshold := cs.LocalThreshold
	if localThreshold <= 0 {
		localThreshold = description.DefaultLocalThreshold
	}

	c.executor = &driver.Executor{
		Deployment:  driver.NewDeployment(c.topo, localThreshold),
		SessionPool: sessPool,
		Clock:       clock,
		Monitor:     opts.CommandMonitor,
		Logger:      opts.Logger,
		RetryReads:  !cs.RetryReadsSet || cs.RetryReads,
		RetryWrites: !cs.RetryWritesSet || cs.RetryWrites,
	}

	c.watchSessionTimeout()
	return c, nil
}

// watchSessionTimeout keeps the session pool's idle-expiry window in sync
// with the logicalSessionTimeoutMinutes the topology currently reports.
func (c *Client) watchSessionTimeout() {
	sub, cancel := c.topo.Subscribe()
	done := make(chan struct{})
	c.stopWatcher = func() {
		cancel()
		<-done
	}
	go func() {
		defer close(done)
		for desc := range sub.C {
			if desc.SessionTimeoutMinutes != nil {
				c.sessPool.UpdateTimeout(*desc.SessionTimeoutMinutes)
			}
		}
	}()
}

// Disconnect stops all monitors, closes every pool, and shuts down the
// event bus.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.stopWatcher != nil {
		c.stopWatcher()
	}
	c.topo.Close()
	c.sdamBus.Close()
	return ctx.Err()
}

// Database returns a handle to the named database.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// SubscribeServerChanges returns a subscription delivering every
// server-description change the topology observes, in publish order.
func (c *Client) SubscribeServerChanges(buffer int) *event.Subscription[event.ServerDescriptionChangedEvent] {
	return c.sdamBus.Subscribe(buffer)
}

// Topology exposes the underlying topology, for diagnostics.
func (c *Client) Topology() *topology.Topology { return c.topo }

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return csot.WithServerSelectionTimeout(ctx, c.serverSelectionTimeout)
}

func topologyMode(cs *connstring.ConnString) description.TopologyKind {
	switch {
	case cs.LoadBalanced:
		return description.LoadBalanced
	case cs.DirectConnection:
		return description.Single
	case cs.ReplicaSet != "":
		return description.ReplicaSetNoPrimary
	default:
		return description.TopologyUnknown
	}
}

func readPrefFromConnString(cs *connstring.ConnString) description.ReadPreference {
	rp := description.ReadPreference{MaxStalenessSeconds: cs.MaxStalenessSeconds}
	switch strings.ToLower(cs.ReadPreference) {
	case "", "primary":
		rp.Mode = description.PrimaryMode
	case "primarypreferred":
		rp.Mode = description.PrimaryPreferredMode
	case "secondary":
		rp.Mode = description.SecondaryMode
	case "secondarypreferred":
		rp.Mode = description.SecondaryPreferredMode
	case "nearest":
		rp.Mode = description.NearestMode
	default:
		rp.Mode = description.PrimaryMode
	}
	for _, tags := range cs.ReadPreferenceTags {
		rp.TagSets = append(rp.TagSets, description.TagSet(tags))
	}
	return rp
}

func poolConfig(cs *connstring.ConnString, opts *ClientOptions) connection.PoolConfig {
	connCfg := &connection.Config{}
	for _, name := range cs.Compressors {
		if c := compressor.ByName(name); c != nil {
			connCfg.Compressors = append(connCfg.Compressors, c)
		}
	}
	if cs.Username != "" {
		source := cs.AuthSource
		if source == "" {
			source = cs.Database
		}
		if source == "" {
			source = "admin"
		}
		connCfg.Authenticator = auth.NewScramSHA256Authenticator(auth.Credential{
			Username: cs.Username,
			Password: cs.Password,
			Source:   source,
		})
	}

	maxConnecting := cs.MaxConnecting
	if maxConnecting <= 0 {
		maxConnecting = connection.DefaultMaxConnecting
	}

	return connection.PoolConfig{
		MinSize:        cs.MinPoolSize,
		MaxSize:        cs.MaxPoolSize,
		MaxIdleTime:    cs.MaxIdleTime,
		ConnectTimeout: cs.ConnectTimeout,
		AppName:        cs.AppName,
		ConnConfig:     connCfg,
		Dialer:         opts.Dialer,
		Monitor:        opts.PoolMonitor,
		MaxConnecting:  maxConnecting,
	}
}

// chainSDAMMonitor wires the bus into the monitor callbacks, preserving
// any user-supplied callbacks.
func chainSDAMMonitor(user *event.SDAMMonitor, bus *event.Bus[event.ServerDescriptionChangedEvent]) *event.SDAMMonitor {
	chained := &event.SDAMMonitor{}
	if user != nil {
		*chained = *user
	}
	prev := chained.ServerDescriptionChanged
	chained.ServerDescriptionChanged = func(e event.ServerDescriptionChangedEvent) {
		if prev != nil {
			prev(e)
		}
		bus.Publish(e)
	}
	return chained
}
