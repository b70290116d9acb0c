// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions: lsid allocation and
// pooling, causal-consistency time tracking, and the per-session
// transaction state machine.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/mongerr"
)

// Timestamp is a BSON timestamp: a seconds value plus an ordinal for
// ordering events within the same second.
type Timestamp struct {
	T uint32
	I uint32
}

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool {
	return t.T > other.T || (t.T == other.T && t.I > other.I)
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool { return t.T == 0 && t.I == 0 }

// Options configures a new Session.
type Options struct {
	// CausalConsistency defaults to true when nil.
	CausalConsistency *bool
	Snapshot          bool
}

// Session is one logical session: an lsid the server uses to correlate
// commands, the causal-consistency clock state observed through it, and
// the state of its transaction, if any.
type Session struct {
	// SessionID is the lsid document, {id: <UUID binary subtype 4>}. It is
	// attached to every command run under this session.
	SessionID bsoncore.Document

	// ClusterTime is the highest $clusterTime value document observed by
	// this session, gossiped on outgoing commands.
	ClusterTime bsoncore.Document

	// OperationTime is the operationTime of the last acknowledged
	// operation, sent as readConcern.afterClusterTime when causal
	// consistency is enabled.
	OperationTime Timestamp

	CausalConsistency bool
	Snapshot          bool

	// Dirty is set when a network error occurs while the session is in
	// use. Dirty sessions are discarded at checkin rather than pooled.
	Dirty bool

	// Implicit marks sessions the executor allocated on the caller's
	// behalf; they are returned to the pool as soon as the operation
	// finishes.
	Implicit bool

	// TxnNumber is the transaction number of the current (or most recent)
	// transaction or retryable write. Monotonic per session.
	TxnNumber int64

	TxnState TransactionState

	// PinnedAddress is the mongos all operations in the current sharded
	// transaction must target, empty when unpinned.
	PinnedAddress address.Address

	// Per-transaction concerns captured by StartTransaction.
	TxnReadConcernLevel string
	TxnWriteConcern     bsoncore.Document

	lastUsed time.Time
	pool     *Pool
}

// NewSession allocates a session with a fresh lsid. Snapshot and causal
// consistency are mutually exclusive.
func NewSession(opts Options) (*Session, error) {
	causal := opts.CausalConsistency == nil || *opts.CausalConsistency
	if opts.Snapshot {
		if opts.CausalConsistency != nil && *opts.CausalConsistency {
			return nil, mongerr.New(mongerr.KindInvalidArgument,
				"snapshot reads and causal consistency are mutually exclusive on a session")
		}
		causal = false
	}

	id := uuid.New()
	lsid := bsoncore.NewDocumentBuilder().
		AppendBinary("id", 0x04, id[:]).
		Build()

	return &Session{
		SessionID:         lsid,
		CausalConsistency: causal,
		Snapshot:          opts.Snapshot,
		lastUsed:          time.Now(),
	}, nil
}

// AdvanceClusterTime folds a $clusterTime value document observed on a
// reply into the session, keeping whichever is later. Older values are
// ignored.
func (s *Session) AdvanceClusterTime(ct bsoncore.Document) {
	if CompareClusterTimes(ct, s.ClusterTime) > 0 {
		s.ClusterTime = ct
	}
}

// AdvanceOperationTime folds a reply's operationTime into the session,
// keeping whichever is later.
func (s *Session) AdvanceOperationTime(t Timestamp) {
	if t.After(s.OperationTime) {
		s.OperationTime = t
	}
}

// MarkDirty flags the session for discard at checkin, after a network
// error occurred while it was in use.
func (s *Session) MarkDirty() { s.Dirty = true }

// UpdateUseTime stamps the session as used now, for idle-expiry tracking.
func (s *Session) UpdateUseTime() { s.lastUsed = time.Now() }

// EndSession returns the session to its pool, if it came from one.
func (s *Session) EndSession() {
	if s.pool != nil {
		s.pool.Checkin(s)
	}
}

// expired reports whether the session has idled long enough that the
// server may be about to discard it. A one-minute buffer before the
// server-side timeout keeps a checkout from handing back an lsid the
// server is already reaping.
func (s *Session) expired(timeoutMinutes int64) bool {
	if timeoutMinutes <= 0 {
		return false
	}
	window := time.Duration(timeoutMinutes)*time.Minute - time.Minute
	return time.Since(s.lastUsed) > window
}

// CompareClusterTimes orders two $clusterTime value documents by their
// embedded clusterTime timestamp. An empty document orders before any
// non-empty one.
func CompareClusterTimes(a, b bsoncore.Document) int {
	at, aok := clusterTimestamp(a)
	bt, bok := clusterTimestamp(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	switch {
	case at.After(bt):
		return 1
	case bt.After(at):
		return -1
	default:
		return 0
	}
}

func clusterTimestamp(ct bsoncore.Document) (Timestamp, bool) {
	if len(ct) == 0 {
		return Timestamp{}, false
	}
	v, ok := ct.Lookup("clusterTime")
	if !ok {
		return Timestamp{}, false
	}
	t, i, ok := v.TimestampValue()
	if !ok {
		return Timestamp{}, false
	}
	return Timestamp{T: t, I: i}, true
}

// ClusterClock tracks the highest $clusterTime observed across the whole
// client, independent of any one session, so every outgoing command can
// gossip the freshest time known.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// ClusterTime returns the highest observed $clusterTime value document.
func (c *ClusterClock) ClusterTime() bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime
}

// AdvanceClusterTime folds ct into the clock, keeping the later value.
func (c *ClusterClock) AdvanceClusterTime(ct bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if CompareClusterTimes(ct, c.clusterTime) > 0 {
		c.clusterTime = ct
	}
}

// MaxClusterTime returns the later of two $clusterTime value documents.
func MaxClusterTime(a, b bsoncore.Document) bsoncore.Document {
	if CompareClusterTimes(a, b) >= 0 {
		return a
	}
	return b
}
