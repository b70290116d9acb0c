// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongoclient

import (
	"context"

	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/driver"
	"github.com/mongowire/driver/mongerr"
)

// Database is a handle to one database on the deployment.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Client returns the owning client.
func (d *Database) Client() *Client { return d.client }

// Collection returns a handle to the named collection.
func (d *Database) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

// RunCommand executes an arbitrary command document against the database.
// The command's retryability is read-only iff its name is in the
// retryable-read set.
func (d *Database) RunCommand(ctx context.Context, cmd bsoncore.Document) (bsoncore.Document, error) {
	return d.runCommand(ctx, cmd, nil)
}

// RunCommandWithSession is RunCommand bound to an explicit session.
func (d *Database) RunCommandWithSession(ctx context.Context, cmd bsoncore.Document, sess *Session) (bsoncore.Document, error) {
	return d.runCommand(ctx, cmd, sess)
}

func (d *Database) runCommand(ctx context.Context, cmd bsoncore.Document, sess *Session) (bsoncore.Document, error) {
	if err := cmd.Validate(); err != nil {
		return nil, mongerr.Wrap(mongerr.KindInvalidArgument, err, "malformed command document")
	}
	kind := driver.NotRetryable
	if driver.IsRetryableReadCommand(cmd.FirstElementKey()) {
		kind = driver.RetryableRead
	}

	ctx, cancel := d.client.operationContext(ctx)
	defer cancel()

	op := driver.Operation{
		Database:         d.name,
		Command:          cmd,
		ReadPreference:   d.client.readPref,
		ReadConcernLevel: d.client.cs.ReadConcernLevel,
		RetryKind:        kind,
	}
	if sess != nil {
		op.Session = sess.s
	}
	return d.client.executor.Execute(ctx, op)
}
