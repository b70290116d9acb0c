// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/internal/bsoncore"
)

func clusterTimeDoc(t, i uint32) bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendTimestamp("clusterTime", t, i).Build()
}

func TestNewSessionGeneratesDistinctLsids(t *testing.T) {
	a, err := NewSession(Options{})
	require.NoError(t, err)
	b, err := NewSession(Options{})
	require.NoError(t, err)

	require.NotEqual(t, []byte(a.SessionID), []byte(b.SessionID))

	v, ok := a.SessionID.Lookup("id")
	require.True(t, ok)
	subtype, data, ok := v.BinaryValue()
	require.True(t, ok)
	require.Equal(t, byte(0x04), subtype)
	require.Len(t, data, 16)
}

func TestNewSessionRejectsSnapshotWithCausalConsistency(t *testing.T) {
	causal := true
	_, err := NewSession(Options{CausalConsistency: &causal, Snapshot: true})
	require.Error(t, err)
}

func TestAdvanceClusterTimeIsMonotonic(t *testing.T) {
	s, err := NewSession(Options{})
	require.NoError(t, err)

	s.AdvanceClusterTime(clusterTimeDoc(100, 1))
	require.Equal(t, clusterTimeDoc(100, 1), s.ClusterTime)

	// An older time is a no-op.
	s.AdvanceClusterTime(clusterTimeDoc(99, 9))
	require.Equal(t, clusterTimeDoc(100, 1), s.ClusterTime)

	// A same-second later ordinal advances.
	s.AdvanceClusterTime(clusterTimeDoc(100, 2))
	require.Equal(t, clusterTimeDoc(100, 2), s.ClusterTime)
}

func TestAdvanceOperationTimeIsMonotonic(t *testing.T) {
	s, err := NewSession(Options{})
	require.NoError(t, err)

	s.AdvanceOperationTime(Timestamp{T: 10, I: 1})
	s.AdvanceOperationTime(Timestamp{T: 9, I: 5})
	require.Equal(t, Timestamp{T: 10, I: 1}, s.OperationTime)
}

func TestClusterClockKeepsMax(t *testing.T) {
	var clock ClusterClock
	clock.AdvanceClusterTime(clusterTimeDoc(5, 0))
	clock.AdvanceClusterTime(clusterTimeDoc(3, 0))
	require.Equal(t, clusterTimeDoc(5, 0), clock.ClusterTime())
}

func TestPoolReusesMostRecentSession(t *testing.T) {
	p := NewPool()

	a, err := p.Checkout()
	require.NoError(t, err)
	b, err := p.Checkout()
	require.NoError(t, err)
	require.NotEqual(t, []byte(a.SessionID), []byte(b.SessionID))

	p.Checkin(a)
	p.Checkin(b)

	// b was checked in last, so it comes back first.
	c, err := p.Checkout()
	require.NoError(t, err)
	require.Equal(t, []byte(b.SessionID), []byte(c.SessionID))
}

func TestPoolDiscardsDirtySessions(t *testing.T) {
	p := NewPool()

	s, err := p.Checkout()
	require.NoError(t, err)
	s.MarkDirty()
	p.Checkin(s)

	require.Equal(t, 0, p.Len())
}

func TestTransactionLifecycle(t *testing.T) {
	s, err := NewSession(Options{})
	require.NoError(t, err)
	require.Equal(t, TransactionNone, s.TxnState)

	require.NoError(t, s.StartTransaction(TransactionOptions{ReadConcernLevel: "majority"}))
	require.Equal(t, TransactionStarting, s.TxnState)
	require.Equal(t, int64(1), s.TxnNumber)

	// A second start while open is rejected and does not bump TxnNumber.
	require.Error(t, s.StartTransaction(TransactionOptions{}))
	require.Equal(t, int64(1), s.TxnNumber)

	s.TransitionInProgress()
	require.Equal(t, TransactionInProgress, s.TxnState)

	s.PinToAddress("mongos1:27017")
	require.NoError(t, s.CommitTransaction())
	require.Equal(t, TransactionCommitted, s.TxnState)
	require.Empty(t, s.PinnedAddress)

	// Starting again from Committed is allowed and bumps the number.
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	require.Equal(t, int64(2), s.TxnNumber)
}

func TestAbortTransaction(t *testing.T) {
	s, err := NewSession(Options{})
	require.NoError(t, err)

	require.Error(t, s.AbortTransaction())

	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	s.PinToAddress("mongos1:27017")
	require.NoError(t, s.AbortTransaction())
	require.Equal(t, TransactionAborted, s.TxnState)
	require.Empty(t, s.PinnedAddress)

	require.Error(t, s.AbortTransaction())
}

func TestSnapshotSessionRejectsTransactions(t *testing.T) {
	s, err := NewSession(Options{Snapshot: true})
	require.NoError(t, err)
	require.False(t, s.CausalConsistency)
	require.Error(t, s.StartTransaction(TransactionOptions{}))
}
