// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the data model
// (ServerDescription, TopologyDescription) and the server-selection
// algorithm. It is deliberately free of I/O: the monitor
// and pool packages produce and consume these values, but this package
// only reasons about them.
package description

import (
	"time"

	"github.com/mongowire/driver/internal/address"
)

// ServerKind classifies a single server's role.
type ServerKind int

// The server kinds.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// DataBearing reports whether a server of this kind can hold user data and
// therefore participates in logical-session-timeout and staleness
// computations.
func (k ServerKind) DataBearing() bool {
	switch k {
	case Standalone, Mongos, RSPrimary, RSSecondary:
		return true
	default:
		return false
	}
}

// TopologyVersion tracks the monotonic (processId, counter) pair a server
// reports so a monitor can tell a fresher hello reply from a stale one.
type TopologyVersion struct {
	ProcessID string
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 as a compares before, equal to,
// or after b. A nil TopologyVersion compares less than any non-nil one,
// and differing ProcessIDs are incomparable and treated as a (never stale).
func CompareTopologyVersion(a, b *TopologyVersion) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if a.ProcessID != b.ProcessID {
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	default:
		return 0
	}
}

// WireVersionRange is the [Min, Max] wire protocol versions a server
// supports.
type WireVersionRange struct {
	Min int32
	Max int32
}

// ServerDescription is the monitor's view of one server.
type ServerDescription struct {
	Address               address.Address
	Kind                  ServerKind
	AverageRTT            time.Duration
	AverageRTTSet         bool
	LastUpdateTime        time.Time
	LastWriteDate         time.Time
	MaxWireVersion        int32
	MinWireVersion        int32
	Tags                  map[string]string
	SetName               string
	SetVersion            int64
	ElectionID            string
	Primary               address.Address
	Hosts                 []address.Address
	Passives              []address.Address
	Arbiters              []address.Address
	SessionTimeoutMinutes *int64
	HelloOK               bool
	TopologyVersion       *TopologyVersion
	ServiceID             string
	LastError             error
}

// NewDefaultServer returns the initial, Unknown description for a server
// that has not yet been probed.
func NewDefaultServer(addr address.Address) ServerDescription {
	return ServerDescription{
		Address: addr,
		Kind:    Unknown,
	}
}

// NewServerFromError returns an Unknown description carrying err as its
// LastError, used when a heartbeat or handshake fails.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) ServerDescription {
	return ServerDescription{
		Address:         addr,
		Kind:            Unknown,
		LastError:       err,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now(),
	}
}

// SetAverageRTT returns a copy of d with its RTT updated.
func (d ServerDescription) SetAverageRTT(rtt time.Duration) ServerDescription {
	d.AverageRTT = rtt
	d.AverageRTTSet = true
	return d
}

// HasStaleTopologyVersion reports whether this description's TopologyVersion
// is at least as new as other's, i.e. an incoming error carrying other
// should be ignored as stale.
func (d ServerDescription) HasStaleTopologyVersion(other *TopologyVersion) bool {
	return CompareTopologyVersion(d.TopologyVersion, other) >= 0
}
