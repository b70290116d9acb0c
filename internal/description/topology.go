// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/mongowire/driver/internal/address"
)

// TopologyKind classifies the cluster as a whole.
type TopologyKind int

// The topology kinds.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

func (k TopologyKind) String() string {
	switch k {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// MinSupportedWireVersion is the floor of the wire protocol versions this
// driver core supports ("driver supports versions 6
// through the current max").
const MinSupportedWireVersion = 6

// MaxSupportedWireVersion is the ceiling of the wire protocol versions this
// driver core supports.
const MaxSupportedWireVersion = 17

// Topology is the cluster-wide state maintained by the topology manager.
type Topology struct {
	Kind                      TopologyKind
	SetName                   string
	MaxSetVersion             int64
	MaxElectionID             string
	Servers                   map[address.Address]ServerDescription
	SessionTimeoutMinutes     *int64
	CompatibilityError        error
}

// NewTopology returns an empty topology of the given kind with no servers.
func NewTopology(kind TopologyKind, setName string) *Topology {
	return &Topology{
		Kind:    kind,
		SetName: setName,
		Servers: make(map[address.Address]ServerDescription),
	}
}

// Clone returns a deep-enough copy suitable for a read-only snapshot: the
// Servers map is copied so a reader never observes a concurrent writer's
// in-progress mutation.
func (t *Topology) Clone() *Topology {
	out := &Topology{
		Kind:                  t.Kind,
		SetName:               t.SetName,
		MaxSetVersion:         t.MaxSetVersion,
		MaxElectionID:         t.MaxElectionID,
		SessionTimeoutMinutes: t.SessionTimeoutMinutes,
		CompatibilityError:    t.CompatibilityError,
		Servers:               make(map[address.Address]ServerDescription, len(t.Servers)),
	}
	for addr, desc := range t.Servers {
		out.Servers[addr] = desc
	}
	return out
}

// Primary returns the description of the current RSPrimary, if any.
func (t *Topology) Primary() (ServerDescription, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return ServerDescription{}, false
}

// CheckInvariants validates the invariants item 2: in a
// ReplicaSetWithPrimary topology exactly one server has type RSPrimary.
func (t *Topology) CheckInvariants() error {
	if t.Kind != ReplicaSetWithPrimary {
		return nil
	}
	count := 0
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("description: ReplicaSetWithPrimary topology has %d RSPrimary servers, want 1", count)
	}
	return nil
}

// Refresh recomputes the derived fields (SessionTimeoutMinutes,
// CompatibilityError) after the caller has mutated Servers. The topology
// manager calls this once per SDAM apply, after folding in a new
// ServerDescription.
func (t *Topology) Refresh() {
	t.recomputeSessionTimeout()
	t.checkCompatibility()
}

// recomputeSessionTimeout recomputes SessionTimeoutMinutes as the minimum
// across all data-bearing servers, nil if any lacks the field.
func (t *Topology) recomputeSessionTimeout() {
	var min *int64
	any := false
	for _, s := range t.Servers {
		if !s.Kind.DataBearing() {
			continue
		}
		any = true
		if s.SessionTimeoutMinutes == nil {
			min = nil
			break
		}
		if min == nil || *s.SessionTimeoutMinutes < *min {
			v := *s.SessionTimeoutMinutes
			min = &v
		}
	}
	if !any {
		t.SessionTimeoutMinutes = nil
		return
	}
	t.SessionTimeoutMinutes = min
}

// checkCompatibility sets CompatibilityError if any data-bearing server's
// wire version range falls outside what this driver core supports.
// invariant.
func (t *Topology) checkCompatibility() {
	t.CompatibilityError = nil
	for addr, s := range t.Servers {
		if !s.Kind.DataBearing() || s.Kind == Unknown {
			continue
		}
		if s.MaxWireVersion < MinSupportedWireVersion {
			t.CompatibilityError = fmt.Errorf(
				"description: server at %s reports wire version max %d, below driver minimum %d; server too old",
				addr, s.MaxWireVersion, MinSupportedWireVersion)
			return
		}
		if s.MinWireVersion > MaxSupportedWireVersion {
			t.CompatibilityError = fmt.Errorf(
				"description: server at %s requires wire version min %d, above driver maximum %d; server too new",
				addr, s.MinWireVersion, MaxSupportedWireVersion)
			return
		}
	}
}
