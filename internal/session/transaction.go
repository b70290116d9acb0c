// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/mongerr"
)

// TransactionState is the per-session transaction lifecycle state.
type TransactionState int

// The transaction states. A session moves None -> Starting -> InProgress
// -> Committed or Aborted, and from either terminal state back to
// Starting when a new transaction begins.
const (
	TransactionNone TransactionState = iota
	TransactionStarting
	TransactionInProgress
	TransactionCommitted
	TransactionAborted
)

func (s TransactionState) String() string {
	switch s {
	case TransactionNone:
		return "none"
	case TransactionStarting:
		return "starting"
	case TransactionInProgress:
		return "in progress"
	case TransactionCommitted:
		return "committed"
	case TransactionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransactionOptions carries the per-transaction concerns captured at
// StartTransaction time.
type TransactionOptions struct {
	ReadConcernLevel string
	WriteConcern     bsoncore.Document
}

// InTransaction reports whether the session currently has an open
// transaction (started or with operations already run).
func (s *Session) InTransaction() bool {
	return s.TxnState == TransactionStarting || s.TxnState == TransactionInProgress
}

// StartTransaction begins a new transaction on the session, bumping the
// transaction number. It fails if a transaction is already open.
func (s *Session) StartTransaction(opts TransactionOptions) error {
	switch s.TxnState {
	case TransactionNone, TransactionCommitted, TransactionAborted:
	default:
		return mongerr.New(mongerr.KindInvalidArgument, "transaction already in progress on this session")
	}
	if s.Snapshot {
		return mongerr.New(mongerr.KindInvalidArgument, "transactions are not supported on snapshot sessions")
	}

	s.TxnNumber++
	s.TxnState = TransactionStarting
	s.PinnedAddress = ""
	s.TxnReadConcernLevel = opts.ReadConcernLevel
	s.TxnWriteConcern = opts.WriteConcern
	return nil
}

// TransitionInProgress records that the first operation of the
// transaction has been acknowledged; subsequent operations no longer send
// startTransaction.
func (s *Session) TransitionInProgress() {
	if s.TxnState == TransactionStarting {
		s.TxnState = TransactionInProgress
	}
}

// PinToAddress records the mongos serving the transaction's first
// operation; every later operation in the transaction targets it.
func (s *Session) PinToAddress(addr address.Address) {
	s.PinnedAddress = addr
}

// Unpin clears the pinned mongos.
func (s *Session) Unpin() {
	s.PinnedAddress = ""
}

// CommitTransaction moves the session to Committed. The executor is
// responsible for having run commitTransaction (with its single retry)
// before calling this.
func (s *Session) CommitTransaction() error {
	switch s.TxnState {
	case TransactionStarting, TransactionInProgress, TransactionCommitted:
		s.TxnState = TransactionCommitted
		s.Unpin()
		return nil
	default:
		return mongerr.New(mongerr.KindInvalidArgument, "no transaction started on this session")
	}
}

// AbortTransaction moves the session to Aborted. Abort is best-effort:
// the state changes regardless of what the abortTransaction command
// returned.
func (s *Session) AbortTransaction() error {
	switch s.TxnState {
	case TransactionStarting, TransactionInProgress:
		s.TxnState = TransactionAborted
		s.Unpin()
		return nil
	case TransactionCommitted:
		return mongerr.New(mongerr.KindInvalidArgument, "cannot abort a committed transaction")
	default:
		return mongerr.New(mongerr.KindInvalidArgument, "no transaction started on this session")
	}
}

// IncrementTxnNumber bumps the transaction number for a retryable write
// outside a transaction.
func (s *Session) IncrementTxnNumber() int64 {
	s.TxnNumber++
	return s.TxnNumber
}
