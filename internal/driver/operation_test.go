// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/event"
	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/internal/session"
	"github.com/mongowire/driver/mongerr"
)

// step is one scripted exchange: the reply (or error) the fake connection
// produces for the next command it receives.
type step struct {
	reply bsoncore.Document
	err   error
}

type fakeConn struct {
	id       string
	steps    []step
	commands []bsoncore.Document
	dbs      []string
}

func (f *fakeConn) RunCommand(_ context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	f.commands = append(f.commands, cmd)
	f.dbs = append(f.dbs, db)
	if len(f.steps) == 0 {
		return okReply(), nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.reply, s.err
}

func (f *fakeConn) ID() string         { return f.id }
func (f *fakeConn) Generation() uint64 { return 1 }
func (f *fakeConn) ServiceID() string  { return "" }

type fakeServer struct {
	addr            address.Address
	conn            *fakeConn
	processedErrs   []error
	immediateChecks int
}

func (f *fakeServer) Connection(context.Context) (Connection, error) { return f.conn, nil }
func (f *fakeServer) Checkin(Connection)                             {}
func (f *fakeServer) ProcessError(err error, _ uint64, _ string) {
	f.processedErrs = append(f.processedErrs, err)
}
func (f *fakeServer) RequestImmediateCheck() { f.immediateChecks++ }
func (f *fakeServer) Address() address.Address {
	return f.addr
}

type fakeDeployment struct {
	servers      []*fakeServer
	desc         *description.Topology
	sessions     bool
	selections   int
	excludesSeen []address.Address
	pinsSeen     []address.Address
	selectErr    error
	// failSelectionAfter fails every selection past the given count.
	failSelectionAfter int
}

func (f *fakeDeployment) SelectServer(_ context.Context, _ description.ReadPreference, pinned, exclude address.Address) (Server, error) {
	f.selections++
	f.excludesSeen = append(f.excludesSeen, exclude)
	f.pinsSeen = append(f.pinsSeen, pinned)
	if f.selectErr != nil && (f.failSelectionAfter == 0 || f.selections > f.failSelectionAfter) {
		return nil, f.selectErr
	}
	if pinned != "" {
		for _, s := range f.servers {
			if s.addr == pinned {
				return s, nil
			}
		}
	}
	for _, s := range f.servers {
		if s.addr != exclude {
			return s, nil
		}
	}
	return f.servers[0], nil
}

func (f *fakeDeployment) Description() *description.Topology { return f.desc }
func (f *fakeDeployment) SupportsSessions() bool             { return f.sessions }

func okReply() bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).Build()
}

func okReplyWithTimes(t, i uint32) bsoncore.Document {
	ct := bsoncore.NewDocumentBuilder().AppendTimestamp("clusterTime", t, i).Build()
	return bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendDocument("$clusterTime", ct).
		AppendTimestamp("operationTime", t, i).
		Build()
}

func errReply(code int32, codeName string, labels ...string) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 0).
		AppendInt32("code", code).
		AppendString("codeName", codeName).
		AppendString("errmsg", codeName)
	if len(labels) > 0 {
		lb := bsoncore.NewDocumentBuilder()
		for idx, l := range labels {
			lb.AppendString(string(rune('0'+idx)), l)
		}
		b.AppendArray("errorLabels", lb.Build())
	}
	return b.Build()
}

func insertCmd() bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendString("insert", "coll").Build()
}

func findCmd() bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendString("find", "coll").Build()
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.NewSession(session.Options{})
	require.NoError(t, err)
	return s
}

func TestExecuteSuccessGossipsTimesAndEmitsEvents(t *testing.T) {
	conn := &fakeConn{id: "c1", steps: []step{{reply: okReplyWithTimes(50, 1)}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Single, "")}

	var started, succeeded int
	clock := &session.ClusterClock{}
	exec := &Executor{
		Deployment: dep,
		Clock:      clock,
		Monitor: &event.CommandMonitor{
			Started:   func(event.CommandStartedEvent) { started++ },
			Succeeded: func(event.CommandSucceededEvent) { succeeded++ },
		},
	}

	sess := newTestSession(t)
	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: findCmd(), Session: sess,
	})
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.Equal(t, 1, succeeded)
	require.Equal(t, session.Timestamp{T: 50, I: 1}, sess.OperationTime)
	require.NotEmpty(t, clock.ClusterTime())

	// The outgoing command carried the session's lsid.
	require.Len(t, conn.commands, 1)
	v, ok := conn.commands[0].Lookup("lsid")
	require.True(t, ok)
	doc, ok := v.DocumentValue()
	require.True(t, ok)
	require.Equal(t, []byte(sess.SessionID), []byte(doc))
}

func TestExecuteRetryableWriteAfterNetworkError(t *testing.T) {
	netErr := errors.New("connection reset")
	connA := &fakeConn{id: "cA", steps: []step{{err: netErr}}}
	connB := &fakeConn{id: "cB", steps: []step{{reply: okReply()}}}
	srvA := &fakeServer{addr: "a:27017", conn: connA}
	srvB := &fakeServer{addr: "b:27017", conn: connB}
	dep := &fakeDeployment{
		servers:  []*fakeServer{srvA, srvB},
		desc:     description.NewTopology(description.Sharded, ""),
		sessions: true,
	}

	exec := &Executor{Deployment: dep, RetryWrites: true}
	sess := newTestSession(t)

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess, RetryKind: RetryableWrite,
	})
	require.NoError(t, err)

	// The session was dirtied by the network error.
	require.True(t, sess.Dirty)

	// Attempt 2 avoided the server that failed attempt 1.
	require.Equal(t, 2, dep.selections)
	require.Equal(t, address.Address("a:27017"), dep.excludesSeen[1])

	// Both attempts carried the same txnNumber and the same lsid.
	require.Len(t, connA.commands, 1)
	require.Len(t, connB.commands, 1)
	for _, cmd := range []bsoncore.Document{connA.commands[0], connB.commands[0]} {
		v, ok := cmd.Lookup("txnNumber")
		require.True(t, ok)
		n, _ := v.AsInt64()
		require.Equal(t, int64(1), n)

		lv, ok := cmd.Lookup("lsid")
		require.True(t, ok)
		doc, _ := lv.DocumentValue()
		require.Equal(t, []byte(sess.SessionID), []byte(doc))
	}

	// The network error was fed back into SDAM.
	require.Len(t, srvA.processedErrs, 1)
}

func TestExecuteStateChangeErrorTriggersFeedbackAndRetry(t *testing.T) {
	connA := &fakeConn{id: "cA", steps: []step{{reply: errReply(10107, "NotWritablePrimary")}}}
	connB := &fakeConn{id: "cB", steps: []step{{reply: okReply()}}}
	srvA := &fakeServer{addr: "a:27017", conn: connA}
	srvB := &fakeServer{addr: "b:27017", conn: connB}
	dep := &fakeDeployment{
		servers: []*fakeServer{srvA, srvB},
		desc:    description.NewTopology(description.ReplicaSetWithPrimary, "rs0"),
	}

	exec := &Executor{Deployment: dep, RetryWrites: true}
	sess := newTestSession(t)

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess, RetryKind: RetryableWrite,
	})
	require.NoError(t, err)

	// The not-primary error was handed to the server's SDAM feedback hook.
	require.Len(t, srvA.processedErrs, 1)
	merr, ok := mongerr.As(srvA.processedErrs[0])
	require.True(t, ok)
	require.True(t, merr.IsStateChange())

	// The retry went to a different server.
	require.Len(t, connB.commands, 1)
}

func TestExecuteNonRetryableErrorSurfacesImmediately(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{{reply: errReply(11000, "DuplicateKey")}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Single, "")}

	var failed int
	exec := &Executor{
		Deployment: dep,
		RetryWrites: true,
		Monitor:    &event.CommandMonitor{Failed: func(event.CommandFailedEvent) { failed++ }},
	}
	sess := newTestSession(t)

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess, RetryKind: RetryableWrite,
	})
	require.Error(t, err)
	merr, ok := mongerr.As(err)
	require.True(t, ok)
	require.Equal(t, int32(11000), merr.Code)
	require.Equal(t, 1, dep.selections)
	require.Equal(t, 1, failed)
}

func TestExecuteFailedReselectionReturnsOriginalError(t *testing.T) {
	netErr := errors.New("broken pipe")
	conn := &fakeConn{id: "c", steps: []step{{err: netErr}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{
		servers:            []*fakeServer{srv},
		desc:               description.NewTopology(description.Single, ""),
		selectErr:          mongerr.New(mongerr.KindServerSelectionTimeout, "no server"),
		failSelectionAfter: 1,
	}

	exec := &Executor{Deployment: dep, RetryWrites: true}
	sess := newTestSession(t)

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess, RetryKind: RetryableWrite,
	})
	require.Error(t, err)
	merr, ok := mongerr.As(err)
	require.True(t, ok)
	require.Equal(t, mongerr.KindConnectionError, merr.Kind)
}

func TestExecuteCausalConsistencySendsAfterClusterTime(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{{reply: okReply()}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Single, "")}

	exec := &Executor{Deployment: dep}
	sess := newTestSession(t)
	sess.AdvanceOperationTime(session.Timestamp{T: 77, I: 3})

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: findCmd(), Session: sess,
	})
	require.NoError(t, err)

	require.Len(t, conn.commands, 1)
	v, ok := conn.commands[0].Lookup("readConcern")
	require.True(t, ok)
	rc, ok := v.DocumentValue()
	require.True(t, ok)
	av, ok := rc.Lookup("afterClusterTime")
	require.True(t, ok)
	tt, ii, ok := av.TimestampValue()
	require.True(t, ok)
	require.Equal(t, uint32(77), tt)
	require.Equal(t, uint32(3), ii)
}

func TestExecuteImplicitSessionCheckedOutAndReturned(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{{reply: okReply()}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{
		servers:  []*fakeServer{srv},
		desc:     description.NewTopology(description.Single, ""),
		sessions: true,
	}

	pool := session.NewPool()
	exec := &Executor{Deployment: dep, SessionPool: pool}

	_, err := exec.Execute(context.Background(), Operation{Database: "db", Command: findCmd()})
	require.NoError(t, err)

	// The implicit session went back to the pool and the command carried
	// its lsid.
	require.Equal(t, 1, pool.Len())
	_, ok := conn.commands[0].Lookup("lsid")
	require.True(t, ok)
}

func TestTransactionPinsToMongosAndCarriesStartFields(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{{reply: okReply()}, {reply: okReply()}}}
	srv := &fakeServer{addr: "mongos1:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Sharded, "")}

	exec := &Executor{Deployment: dep}
	sess := newTestSession(t)
	require.NoError(t, sess.StartTransaction(session.TransactionOptions{ReadConcernLevel: "snapshot"}))

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess,
	})
	require.NoError(t, err)

	// First in-transaction command: startTransaction, autocommit false,
	// the transaction's read concern, and the txnNumber.
	cmd := conn.commands[0]
	v, ok := cmd.Lookup("startTransaction")
	require.True(t, ok)
	b, _ := v.BooleanValue()
	require.True(t, b)

	v, ok = cmd.Lookup("autocommit")
	require.True(t, ok)
	b, _ = v.BooleanValue()
	require.False(t, b)

	v, ok = cmd.Lookup("readConcern")
	require.True(t, ok)
	rc, _ := v.DocumentValue()
	lv, ok := rc.Lookup("level")
	require.True(t, ok)
	level, _ := lv.StringValue()
	require.Equal(t, "snapshot", level)

	require.Equal(t, session.TransactionInProgress, sess.TxnState)
	require.Equal(t, address.Address("mongos1:27017"), sess.PinnedAddress)

	// Second command: no startTransaction, no readConcern, still pinned.
	_, err = exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess,
	})
	require.NoError(t, err)
	cmd = conn.commands[1]
	_, ok = cmd.Lookup("startTransaction")
	require.False(t, ok)
	_, ok = cmd.Lookup("readConcern")
	require.False(t, ok)
	require.Equal(t, address.Address("mongos1:27017"), dep.pinsSeen[1])
}

func TestCommitTransactionRetriesOnUnknownResult(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{
		{reply: okReply()}, // the transaction's first operation
		{reply: errReply(50, "MaxTimeMSExpired", mongerr.LabelUnknownTransactionCommitResult)},
		{reply: okReply()}, // the retried commit
	}}
	srv := &fakeServer{addr: "mongos1:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Sharded, "")}

	exec := &Executor{Deployment: dep}
	sess := newTestSession(t)
	require.NoError(t, sess.StartTransaction(session.TransactionOptions{}))

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess,
	})
	require.NoError(t, err)
	txnNumber := sess.TxnNumber

	require.NoError(t, exec.CommitTransaction(context.Background(), sess))
	require.Equal(t, session.TransactionCommitted, sess.TxnState)
	require.Empty(t, sess.PinnedAddress)

	// Both commit attempts carried the same txnNumber; the retry upgraded
	// the write concern to majority.
	require.Len(t, conn.commands, 3)
	for _, cmd := range conn.commands[1:] {
		require.Equal(t, "commitTransaction", cmd.FirstElementKey())
		v, ok := cmd.Lookup("txnNumber")
		require.True(t, ok)
		n, _ := v.AsInt64()
		require.Equal(t, txnNumber, n)
	}
	v, ok := conn.commands[2].Lookup("writeConcern")
	require.True(t, ok)
	wc, _ := v.DocumentValue()
	wv, ok := wc.Lookup("w")
	require.True(t, ok)
	w, _ := wv.StringValue()
	require.Equal(t, "majority", w)
}

func TestAbortTransactionIsBestEffort(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{
		{reply: okReply()},
		{reply: errReply(11602, "InterruptedDueToReplStateChange")},
	}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.ReplicaSetWithPrimary, "rs0")}

	exec := &Executor{Deployment: dep}
	sess := newTestSession(t)
	require.NoError(t, sess.StartTransaction(session.TransactionOptions{}))

	_, err := exec.Execute(context.Background(), Operation{
		Database: "db", Command: insertCmd(), Session: sess,
	})
	require.NoError(t, err)

	// The server-side abort failed, but the session still aborts.
	require.NoError(t, exec.AbortTransaction(context.Background(), sess))
	require.Equal(t, session.TransactionAborted, sess.TxnState)
}

func TestExtractErrorParsesWriteErrors(t *testing.T) {
	we := bsoncore.NewDocumentBuilder().
		AppendInt32("index", 0).
		AppendInt32("code", 11000).
		AppendString("errmsg", "E11000 duplicate key").
		Build()
	arr := bsoncore.NewDocumentBuilder().AppendDocument("0", we).Build()
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendArray("writeErrors", arr).
		Build()

	err := ExtractError(reply)
	require.NotNil(t, err)
	require.Equal(t, mongerr.KindWriteError, err.Kind)
	require.Len(t, err.Writes, 1)
	require.Equal(t, int32(11000), err.Writes[0].Code)
	require.Equal(t, 0, err.Writes[0].Index)
}

func TestSensitiveCommandsAreRedacted(t *testing.T) {
	conn := &fakeConn{id: "c", steps: []step{{reply: okReply()}}}
	srv := &fakeServer{addr: "a:27017", conn: conn}
	dep := &fakeDeployment{servers: []*fakeServer{srv}, desc: description.NewTopology(description.Single, "")}

	var startedBody string
	exec := &Executor{
		Deployment: dep,
		Monitor: &event.CommandMonitor{
			Started: func(e event.CommandStartedEvent) { startedBody = e.Command },
		},
	}

	cmd := bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("payload", "secret").
		Build()
	_, err := exec.Execute(context.Background(), Operation{Database: "admin", Command: cmd})
	require.NoError(t, err)
	require.Empty(t, startedBody)
}
