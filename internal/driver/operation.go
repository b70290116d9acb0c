// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/csot"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/internal/logger"
	"github.com/mongowire/driver/internal/session"
	"github.com/mongowire/driver/mongerr"

	"github.com/mongowire/driver/event"
)

// RetryKind classifies an operation's retry eligibility.
type RetryKind int

// The retryability classes.
const (
	NotRetryable RetryKind = iota
	RetryableRead
	RetryableWrite
)

// Operation describes one logical command to run against the deployment.
// Command carries the command body without $db; the connection layer adds
// it from Database.
type Operation struct {
	Database         string
	Command          bsoncore.Document
	ReadPreference   description.ReadPreference
	ReadConcernLevel string
	WriteConcern     bsoncore.Document
	Session          *session.Session
	RetryKind        RetryKind
	Timeout          time.Duration
}

// Executor runs operations against a Deployment, resolving sessions,
// applying transaction and retry semantics, classifying replies, and
// emitting command-monitoring events.
type Executor struct {
	Deployment  Deployment
	SessionPool *session.Pool
	Clock       *session.ClusterClock
	Monitor     *event.CommandMonitor
	Logger      *logger.Logger
	RetryReads  bool
	RetryWrites bool

	requestID int64
}

// Execute runs op: select a server, check out a connection, assemble the
// command with session/transaction/cluster-time fields, send it, and
// classify the reply. Network and state-change failures trigger at most
// one retry for retryable operations, on a freshly selected server when
// one is available.
func (e *Executor) Execute(ctx context.Context, op Operation) (bsoncore.Document, error) {
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = csot.MakeTimeoutContext(ctx, op.Timeout)
		defer cancel()
	}

	sess := op.Session
	if sess == nil && e.SessionPool != nil && e.Deployment.SupportsSessions() {
		implicit, err := e.SessionPool.Checkout()
		if err == nil {
			implicit.Implicit = true
			sess = implicit
			defer implicit.EndSession()
		}
	}

	retryable := e.retryability(op, sess)
	var txnNumber int64
	if sess != nil {
		if sess.InTransaction() {
			txnNumber = sess.TxnNumber
		} else if retryable == RetryableWrite {
			txnNumber = sess.IncrementTxnNumber()
		}
	}

	rp := op.ReadPreference
	var pinned address.Address
	if sess != nil && sess.InTransaction() {
		pinned = sess.PinnedAddress
		rp = description.ReadPreference{Mode: description.PrimaryMode}
	}

	var prevErr *mongerr.Error
	var prevAddr address.Address
	for attempt := 0; attempt < 2; attempt++ {
		srv, err := e.Deployment.SelectServer(ctx, rp, pinned, prevAddr)
		if err != nil {
			// A failed re-selection must not mask the error that caused
			// the retry.
			if prevErr != nil {
				return nil, prevErr
			}
			return nil, err
		}

		reply, cerr := e.attempt(ctx, op, sess, srv, txnNumber, retryable)
		if cerr == nil {
			return reply, nil
		}

		if attempt == 0 && retryable != NotRetryable && retryPermitted(retryable, cerr) {
			prevErr = cerr
			prevAddr = srv.Address()
			continue
		}
		return reply, cerr
	}
	return nil, prevErr
}

// retryability applies the eligibility rules: reads retry when enabled and
// outside a transaction; writes additionally require a session to carry
// the txnNumber that makes the retry idempotent.
func (e *Executor) retryability(op Operation, sess *session.Session) RetryKind {
	if sess != nil && sess.InTransaction() {
		return NotRetryable
	}
	switch op.RetryKind {
	case RetryableRead:
		if e.RetryReads {
			return RetryableRead
		}
	case RetryableWrite:
		if e.RetryWrites && sess != nil {
			return RetryableWrite
		}
	}
	return NotRetryable
}

func retryPermitted(kind RetryKind, err *mongerr.Error) bool {
	switch kind {
	case RetryableRead:
		return err.Kind == mongerr.KindConnectionError || err.IsStateChange()
	case RetryableWrite:
		return err.IsRetryableWrite()
	default:
		return false
	}
}

// attempt performs one selection-to-reply exchange against srv.
func (e *Executor) attempt(ctx context.Context, op Operation, sess *session.Session, srv Server, txnNumber int64, retryable RetryKind) (bsoncore.Document, *mongerr.Error) {
	conn, err := srv.Connection(ctx)
	if err != nil {
		merr := asDriverError(err)
		if merr.Kind == mongerr.KindConnectionError {
			srv.ProcessError(merr, 0, "")
		}
		return nil, merr
	}
	defer srv.Checkin(conn)

	cmd := e.assembleCommand(op, sess, txnNumber, retryable)
	name := op.Command.FirstElementKey()
	reqID := atomic.AddInt64(&e.requestID, 1)

	e.publishStarted(name, op.Database, cmd, reqID, conn, srv)
	start := time.Now()

	reply, runErr := conn.RunCommand(ctx, op.Database, cmd)
	duration := time.Since(start)

	if runErr != nil {
		merr := asDriverError(runErr)
		if sess != nil {
			sess.MarkDirty()
			if sess.InTransaction() && !merr.HasLabel(mongerr.LabelTransientTransactionError) {
				merr.Labels = append(merr.Labels, mongerr.LabelTransientTransactionError)
			}
		}
		if !merr.HasLabel(mongerr.LabelNoWritesPerformed) {
			srv.ProcessError(merr, conn.Generation(), conn.ServiceID())
		}
		e.publishFailed(name, merr, reqID, conn, duration)
		return nil, merr
	}

	e.gossipReplyTimes(reply, sess)

	if serr := ExtractError(reply); serr != nil {
		if serr.IsStateChange() {
			srv.ProcessError(serr, conn.Generation(), conn.ServiceID())
		}
		e.publishFailed(name, serr, reqID, conn, duration)
		return reply, serr
	}

	if sess != nil && sess.TxnState == session.TransactionStarting {
		sess.TransitionInProgress()
		if e.Deployment.Description().Kind == description.Sharded {
			sess.PinToAddress(srv.Address())
		}
	}

	e.publishSucceeded(name, reply, reqID, conn, duration)
	return reply, nil
}

// assembleCommand merges op.Command with the session, transaction,
// concern, and cluster-time fields this execution needs.
func (e *Executor) assembleCommand(op Operation, sess *session.Session, txnNumber int64, retryable RetryKind) bsoncore.Document {
	fields := bsoncore.NewDocumentBuilder()
	name := op.Command.FirstElementKey()
	inTxn := sess != nil && sess.InTransaction()

	if sess != nil {
		fields.AppendDocument("lsid", sess.SessionID)
	}

	if inTxn {
		fields.AppendInt64("txnNumber", sess.TxnNumber)
		if sess.TxnState == session.TransactionStarting {
			fields.AppendBoolean("startTransaction", true)
		}
		fields.AppendBoolean("autocommit", false)
	} else if retryable == RetryableWrite && txnNumber > 0 {
		fields.AppendInt64("txnNumber", txnNumber)
	}

	if rc := e.buildReadConcern(op, sess, inTxn); rc != nil {
		fields.AppendDocument("readConcern", rc)
	}

	isTxnControl := name == "commitTransaction" || name == "abortTransaction"
	if op.WriteConcern != nil && (!inTxn || isTxnControl) {
		fields.AppendDocument("writeConcern", op.WriteConcern)
	}

	ct := e.clusterTimeToGossip(sess)
	if len(ct) > 0 {
		fields.AppendDocument("$clusterTime", ct)
	}

	return mergeDocuments(op.Command, fields.Build())
}

// buildReadConcern assembles the readConcern document. Inside a
// transaction, only the first operation carries one (the transaction's);
// outside, the operation's level plus the causal-consistency
// afterClusterTime apply.
func (e *Executor) buildReadConcern(op Operation, sess *session.Session, inTxn bool) bsoncore.Document {
	if inTxn && sess.TxnState != session.TransactionStarting {
		return nil
	}

	level := op.ReadConcernLevel
	if inTxn {
		level = sess.TxnReadConcernLevel
	}

	var after session.Timestamp
	if sess != nil && sess.CausalConsistency && !sess.OperationTime.IsZero() {
		after = sess.OperationTime
	}

	if level == "" && after.IsZero() {
		return nil
	}
	rc := bsoncore.NewDocumentBuilder()
	if level != "" {
		rc.AppendString("level", level)
	}
	if !after.IsZero() {
		rc.AppendTimestamp("afterClusterTime", after.T, after.I)
	}
	return rc.Build()
}

func (e *Executor) clusterTimeToGossip(sess *session.Session) bsoncore.Document {
	var ct bsoncore.Document
	if e.Clock != nil {
		ct = e.Clock.ClusterTime()
	}
	if sess != nil {
		ct = session.MaxClusterTime(ct, sess.ClusterTime)
	}
	return ct
}

// gossipReplyTimes folds a reply's $clusterTime and operationTime into the
// client clock and the session.
func (e *Executor) gossipReplyTimes(reply bsoncore.Document, sess *session.Session) {
	if v, ok := reply.Lookup("$clusterTime"); ok {
		if doc, ok := v.DocumentValue(); ok {
			if e.Clock != nil {
				e.Clock.AdvanceClusterTime(doc)
			}
			if sess != nil {
				sess.AdvanceClusterTime(doc)
			}
		}
	}
	if sess != nil {
		if v, ok := reply.Lookup("operationTime"); ok {
			if t, i, ok := v.TimestampValue(); ok {
				sess.AdvanceOperationTime(session.Timestamp{T: t, I: i})
			}
		}
		sess.UpdateUseTime()
	}
}

// mergeDocuments returns a new document holding base's elements followed
// by extra's.
func mergeDocuments(base, extra bsoncore.Document) bsoncore.Document {
	if len(extra) <= 5 {
		return base
	}
	baseElems := []byte(base)[4 : len(base)-1]
	extraElems := []byte(extra)[4 : len(extra)-1]

	out := make([]byte, 0, 5+len(baseElems)+len(extraElems))
	out = append(out, 0, 0, 0, 0)
	out = append(out, baseElems...)
	out = append(out, extraElems...)
	out = append(out, 0)
	out[0] = byte(len(out))
	out[1] = byte(len(out) >> 8)
	out[2] = byte(len(out) >> 16)
	out[3] = byte(len(out) >> 24)
	return bsoncore.Document(out)
}

func (e *Executor) publishStarted(name, db string, cmd bsoncore.Document, reqID int64, conn Connection, srv Server) {
	body := string(cmd)
	if isSensitiveCommand(name) {
		body = ""
	}
	if e.Monitor != nil && e.Monitor.Started != nil {
		e.Monitor.Started(event.CommandStartedEvent{
			Command:       body,
			DatabaseName:  db,
			CommandName:   name,
			RequestID:     reqID,
			ConnectionID:  conn.ID(),
			ServerAddress: srv.Address().String(),
		})
	}
	if e.Logger != nil && e.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		e.Logger.Print(logger.LevelDebug, logger.CommandStartedMessage{
			CommandName:  name,
			DatabaseName: db,
			RequestID:    reqID,
			ConnectionID: conn.ID(),
			ServerHost:   srv.Address().Hostname(),
			Command:      body,
		})
	}
}

func (e *Executor) publishSucceeded(name string, reply bsoncore.Document, reqID int64, conn Connection, duration time.Duration) {
	body := string(reply)
	if isSensitiveCommand(name) {
		body = ""
	}
	if e.Monitor != nil && e.Monitor.Succeeded != nil {
		e.Monitor.Succeeded(event.CommandSucceededEvent{
			Reply:        body,
			CommandName:  name,
			RequestID:    reqID,
			ConnectionID: conn.ID(),
			Duration:     duration,
		})
	}
	if e.Logger != nil && e.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		e.Logger.Print(logger.LevelDebug, logger.CommandSucceededMessage{
			CommandName:  name,
			RequestID:    reqID,
			ConnectionID: conn.ID(),
			DurationMS:   duration.Milliseconds(),
			Reply:        body,
		})
	}
}

func (e *Executor) publishFailed(name string, err error, reqID int64, conn Connection, duration time.Duration) {
	if e.Monitor != nil && e.Monitor.Failed != nil {
		e.Monitor.Failed(event.CommandFailedEvent{
			Failure:      err.Error(),
			CommandName:  name,
			RequestID:    reqID,
			ConnectionID: conn.ID(),
			Duration:     duration,
		})
	}
	if e.Logger != nil && e.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		e.Logger.Print(logger.LevelDebug, logger.CommandFailedMessage{
			CommandName:  name,
			RequestID:    reqID,
			ConnectionID: conn.ID(),
			DurationMS:   duration.Milliseconds(),
			Failure:      err.Error(),
		})
	}
}
