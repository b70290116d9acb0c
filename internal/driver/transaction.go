// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/session"
	"github.com/mongowire/driver/mongerr"
)

var majorityWriteConcern = bsoncore.NewDocumentBuilder().
	AppendString("w", "majority").
	Build()

// CommitTransaction runs commitTransaction for sess's open transaction,
// retrying once on a network failure or an UnknownTransactionCommitResult
// label with the write concern upgraded to majority. On success the
// session transitions to Committed and is unpinned.
func (e *Executor) CommitTransaction(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return mongerr.New(mongerr.KindInvalidArgument, "commit requires a session")
	}
	switch sess.TxnState {
	case session.TransactionStarting:
		// No operation ever ran, so there is nothing for the server to
		// commit.
		return sess.CommitTransaction()
	case session.TransactionInProgress, session.TransactionCommitted:
	default:
		return mongerr.New(mongerr.KindInvalidArgument, "no transaction started on this session")
	}

	wc := sess.TxnWriteConcern
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cmd := bsoncore.NewDocumentBuilder().
			AppendInt32("commitTransaction", 1).
			Build()
		op := Operation{
			Database:     "admin",
			Command:      cmd,
			Session:      sess,
			WriteConcern: wc,
			RetryKind:    NotRetryable,
		}
		_, err := e.Execute(ctx, op)
		if err == nil {
			return sess.CommitTransaction()
		}
		lastErr = err

		merr, ok := mongerr.As(err)
		if !ok {
			break
		}
		if attempt == 0 && (merr.Kind == mongerr.KindConnectionError || merr.HasLabel(mongerr.LabelUnknownTransactionCommitResult)) {
			wc = majorityWriteConcern
			continue
		}
		break
	}
	return lastErr
}

// AbortTransaction runs abortTransaction best-effort: the server error, if
// any, is discarded and the session always transitions to Aborted and
// unpins.
func (e *Executor) AbortTransaction(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return mongerr.New(mongerr.KindInvalidArgument, "abort requires a session")
	}
	if sess.TxnState == session.TransactionStarting {
		return sess.AbortTransaction()
	}
	if sess.TxnState != session.TransactionInProgress {
		return sess.AbortTransaction()
	}

	cmd := bsoncore.NewDocumentBuilder().
		AppendInt32("abortTransaction", 1).
		Build()
	op := Operation{
		Database:     "admin",
		Command:      cmd,
		Session:      sess,
		WriteConcern: sess.TxnWriteConcern,
		RetryKind:    NotRetryable,
	}
	_, _ = e.Execute(ctx, op)
	return sess.AbortTransaction()
}
