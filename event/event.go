// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event defines the command-monitoring and SDAM/CMAP observability
// events, and a small fan-out bus that delivers them
// to subscribers in publish order, one buffered channel per subscriber so a
// slow subscriber never blocks another.
package event

import "time"

// CommandStartedEvent is published immediately before a command is written
// to the wire.
type CommandStartedEvent struct {
	Command      string
	DatabaseName string
	CommandName  string
	RequestID    int64
	ConnectionID string
	ServerAddress string
}

// CommandSucceededEvent is published when a command's reply indicates
// success.
type CommandSucceededEvent struct {
	Reply        string
	CommandName  string
	RequestID    int64
	ConnectionID string
	Duration     time.Duration
}

// CommandFailedEvent is published when a command fails, whether due to a
// network error or a server-reported failure.
type CommandFailedEvent struct {
	Failure      string
	CommandName  string
	RequestID    int64
	ConnectionID string
	Duration     time.Duration
}

// CommandMonitor groups the three command-monitoring callbacks. Any
// field may be nil.
type CommandMonitor struct {
	Started   func(CommandStartedEvent)
	Succeeded func(CommandSucceededEvent)
	Failed    func(CommandFailedEvent)
}

// SDAM event types.
type (
	// TopologyOpeningEvent is published when a topology begins monitoring.
	TopologyOpeningEvent struct{ TopologyID string }
	// TopologyClosedEvent is published when a topology stops monitoring.
	TopologyClosedEvent struct{ TopologyID string }
	// TopologyDescriptionChangedEvent is published whenever the topology's
	// aggregate description changes.
	TopologyDescriptionChangedEvent struct {
		TopologyID          string
		PreviousDescription string
		NewDescription       string
	}
	// ServerOpeningEvent is published when a monitor starts for a server.
	ServerOpeningEvent struct {
		TopologyID string
		Address    string
	}
	// ServerClosedEvent is published when a server is removed from the
	// topology and its monitor stops.
	ServerClosedEvent struct {
		TopologyID string
		Address    string
	}
	// ServerDescriptionChangedEvent is published on every heartbeat result,
	// successful or not.
	ServerDescriptionChangedEvent struct {
		TopologyID          string
		Address              string
		PreviousDescription string
		NewDescription       string
	}
)

// SDAMMonitor groups the SDAM callbacks. Any field may be nil.
type SDAMMonitor struct {
	TopologyOpening           func(TopologyOpeningEvent)
	TopologyClosed            func(TopologyClosedEvent)
	TopologyDescriptionChanged func(TopologyDescriptionChangedEvent)
	ServerOpening             func(ServerOpeningEvent)
	ServerClosed              func(ServerClosedEvent)
	ServerDescriptionChanged  func(ServerDescriptionChangedEvent)
}

// Pool (CMAP) event types.
type (
	// PoolCreatedEvent is published when a connection pool is constructed.
	PoolCreatedEvent struct{ Address string }
	// PoolReadyEvent is published when a paused pool resumes accepting
	// checkouts.
	PoolReadyEvent struct{ Address string }
	// PoolClearedEvent is published when a pool's generation is bumped.
	PoolClearedEvent struct {
		Address   string
		ServiceID string
	}
	// PoolClosedEvent is published when a pool is permanently shut down.
	PoolClosedEvent struct{ Address string }
	// ConnectionCreatedEvent is published when a new connection is dialed.
	ConnectionCreatedEvent struct {
		Address      string
		ConnectionID uint64
	}
	// ConnectionReadyEvent is published once a new connection finishes its
	// handshake and is available for checkout.
	ConnectionReadyEvent struct {
		Address      string
		ConnectionID uint64
	}
	// ConnectionClosedEvent is published when a connection is closed, with
	// Reason describing why (idle, error, pool cleared, pool closed).
	ConnectionClosedEvent struct {
		Address      string
		ConnectionID uint64
		Reason       string
	}
	// ConnectionCheckOutStartedEvent is published when a caller begins
	// waiting for a connection.
	ConnectionCheckOutStartedEvent struct{ Address string }
	// ConnectionCheckOutFailedEvent is published when a checkout fails,
	// e.g. with a wait-queue timeout or because the pool is closed.
	ConnectionCheckOutFailedEvent struct {
		Address string
		Reason  string
	}
	// ConnectionCheckedOutEvent is published when a checkout succeeds.
	ConnectionCheckedOutEvent struct {
		Address      string
		ConnectionID uint64
	}
	// ConnectionCheckedInEvent is published when a connection is returned
	// to its pool.
	ConnectionCheckedInEvent struct {
		Address      string
		ConnectionID uint64
	}
)

// PoolMonitor groups the CMAP callbacks. Any field may be nil.
type PoolMonitor struct {
	PoolCreated             func(PoolCreatedEvent)
	PoolReady               func(PoolReadyEvent)
	PoolCleared             func(PoolClearedEvent)
	PoolClosed              func(PoolClosedEvent)
	ConnectionCreated       func(ConnectionCreatedEvent)
	ConnectionReady         func(ConnectionReadyEvent)
	ConnectionClosed        func(ConnectionClosedEvent)
	ConnectionCheckOutStarted func(ConnectionCheckOutStartedEvent)
	ConnectionCheckOutFailed func(ConnectionCheckOutFailedEvent)
	ConnectionCheckedOut    func(ConnectionCheckedOutEvent)
	ConnectionCheckedIn     func(ConnectionCheckedInEvent)
}
