// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongoclient

import (
	"context"
	"time"

	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/session"
	"github.com/mongowire/driver/mongerr"
)

// Session is an explicit logical session checked out by the application.
// It must be ended with EndSession when no longer needed.
type Session struct {
	s      *session.Session
	client *Client
}

// SessionOptions configures StartSession.
type SessionOptions struct {
	CausalConsistency *bool
	Snapshot          bool
}

// TransactionOptions configures StartTransaction.
type TransactionOptions struct {
	ReadConcernLevel string
	WriteConcernW    string
}

// StartSession checks a session out of the client's pool.
func (c *Client) StartSession(opts SessionOptions) (*Session, error) {
	if opts.CausalConsistency == nil && !opts.Snapshot {
		s, err := c.sessPool.Checkout()
		if err != nil {
			return nil, err
		}
		return &Session{s: s, client: c}, nil
	}
	// Non-default options never come from the pool; pooled sessions all
	// share the default configuration.
	s, err := session.NewSession(session.Options{
		CausalConsistency: opts.CausalConsistency,
		Snapshot:          opts.Snapshot,
	})
	if err != nil {
		return nil, err
	}
	return &Session{s: s, client: c}, nil
}

// EndSession returns the session to the pool (or discards it if dirty).
func (s *Session) EndSession() {
	if s.s.InTransaction() {
		_ = s.AbortTransaction(context.Background())
	}
	// Sessions allocated with non-default options have no pool; they are
	// simply dropped.
	s.s.EndSession()
}

// AdvanceClusterTime folds an externally observed $clusterTime value
// document into the session.
func (s *Session) AdvanceClusterTime(ct bsoncore.Document) {
	s.s.AdvanceClusterTime(ct)
}

// AdvanceOperationTime folds an externally observed operationTime into the
// session, so a subsequent causally consistent read waits for it.
func (s *Session) AdvanceOperationTime(t, i uint32) {
	s.s.AdvanceOperationTime(session.Timestamp{T: t, I: i})
}

// OperationTime returns the session's current operation time.
func (s *Session) OperationTime() (t, i uint32) {
	return s.s.OperationTime.T, s.s.OperationTime.I
}

// StartTransaction begins a transaction on the session.
func (s *Session) StartTransaction(opts TransactionOptions) error {
	txnOpts := session.TransactionOptions{ReadConcernLevel: opts.ReadConcernLevel}
	if opts.WriteConcernW != "" {
		txnOpts.WriteConcern = writeConcernDoc(opts.WriteConcernW)
	}
	return s.s.StartTransaction(txnOpts)
}

// CommitTransaction commits the open transaction, retrying once on an
// unknown commit result.
func (s *Session) CommitTransaction(ctx context.Context) error {
	ctx, cancel := s.client.operationContext(ctx)
	defer cancel()
	return s.client.executor.CommitTransaction(ctx, s.s)
}

// AbortTransaction aborts the open transaction, best-effort.
func (s *Session) AbortTransaction(ctx context.Context) error {
	ctx, cancel := s.client.operationContext(ctx)
	defer cancel()
	return s.client.executor.AbortTransaction(ctx, s.s)
}

// withTransactionTimeout bounds the overall retry loop in WithTransaction.
const withTransactionTimeout = 120 * time.Second

// WithTransaction runs fn inside a transaction, committing on success and
// aborting on failure. Transient transaction errors and unknown commit
// results are retried until the overall timeout elapses.
func (s *Session) WithTransaction(ctx context.Context, opts TransactionOptions, fn func(ctx context.Context, sess *Session) error) error {
	deadline := time.Now().Add(withTransactionTimeout)
	for {
		if err := s.StartTransaction(opts); err != nil {
			return err
		}

		err := fn(ctx, s)
		if err != nil {
			_ = s.AbortTransaction(ctx)
			if hasLabel(err, mongerr.LabelTransientTransactionError) && time.Now().Before(deadline) {
				continue
			}
			return err
		}

	commit:
		err = s.CommitTransaction(ctx)
		if err == nil {
			return nil
		}
		if hasLabel(err, mongerr.LabelUnknownTransactionCommitResult) && time.Now().Before(deadline) {
			goto commit
		}
		if hasLabel(err, mongerr.LabelTransientTransactionError) && time.Now().Before(deadline) {
			continue
		}
		return err
	}
}

func hasLabel(err error, label string) bool {
	merr, ok := mongerr.As(err)
	return ok && merr.HasLabel(label)
}

func writeConcernDoc(w string) bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendString("w", w).Build()
}
