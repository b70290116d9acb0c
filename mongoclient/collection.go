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

// Collection is a handle to one collection. Its methods translate to the
// corresponding server commands and delegate to the client's executor.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// InsertOne inserts a single document.
func (c *Collection) InsertOne(ctx context.Context, doc bsoncore.Document, sess *Session) error {
	if err := doc.Validate(); err != nil {
		return mongerr.Wrap(mongerr.KindInvalidArgument, err, "malformed document")
	}
	docs := bsoncore.NewDocumentBuilder().AppendDocument("0", doc).Build()
	cmd := bsoncore.NewDocumentBuilder().
		AppendString("insert", c.name).
		AppendArray("documents", docs).
		Build()
	_, err := c.write(ctx, cmd, sess)
	return err
}

// DeleteOne removes at most one document matching filter.
func (c *Collection) DeleteOne(ctx context.Context, filter bsoncore.Document, sess *Session) error {
	del := bsoncore.NewDocumentBuilder().
		AppendDocument("q", filter).
		AppendInt32("limit", 1).
		Build()
	deletes := bsoncore.NewDocumentBuilder().AppendDocument("0", del).Build()
	cmd := bsoncore.NewDocumentBuilder().
		AppendString("delete", c.name).
		AppendArray("deletes", deletes).
		Build()
	_, err := c.write(ctx, cmd, sess)
	return err
}

// UpdateOne applies update to at most one document matching filter.
func (c *Collection) UpdateOne(ctx context.Context, filter, update bsoncore.Document, sess *Session) error {
	upd := bsoncore.NewDocumentBuilder().
		AppendDocument("q", filter).
		AppendDocument("u", update).
		Build()
	updates := bsoncore.NewDocumentBuilder().AppendDocument("0", upd).Build()
	cmd := bsoncore.NewDocumentBuilder().
		AppendString("update", c.name).
		AppendArray("updates", updates).
		Build()
	_, err := c.write(ctx, cmd, sess)
	return err
}

// Find runs a find command and returns a cursor over the results.
func (c *Collection) Find(ctx context.Context, filter bsoncore.Document, sess *Session) (*Cursor, error) {
	b := bsoncore.NewDocumentBuilder().AppendString("find", c.name)
	if len(filter) > 0 {
		b.AppendDocument("filter", filter)
	}
	reply, err := c.read(ctx, b.Build(), sess)
	if err != nil {
		return nil, err
	}
	return newCursor(c, sess, reply, "firstBatch")
}

// Drop removes the collection.
func (c *Collection) Drop(ctx context.Context, sess *Session) error {
	cmd := bsoncore.NewDocumentBuilder().AppendString("drop", c.name).Build()
	_, err := c.write(ctx, cmd, sess)
	return err
}

func (c *Collection) write(ctx context.Context, cmd bsoncore.Document, sess *Session) (bsoncore.Document, error) {
	return c.run(ctx, cmd, sess, driver.RetryableWrite)
}

func (c *Collection) read(ctx context.Context, cmd bsoncore.Document, sess *Session) (bsoncore.Document, error) {
	return c.run(ctx, cmd, sess, driver.RetryableRead)
}

func (c *Collection) run(ctx context.Context, cmd bsoncore.Document, sess *Session, kind driver.RetryKind) (bsoncore.Document, error) {
	ctx, cancel := c.db.client.operationContext(ctx)
	defer cancel()

	op := driver.Operation{
		Database:         c.db.name,
		Command:          cmd,
		ReadPreference:   c.db.client.readPref,
		ReadConcernLevel: c.db.client.cs.ReadConcernLevel,
		RetryKind:        kind,
	}
	if sess != nil {
		op.Session = sess.s
	}
	return c.db.client.executor.Execute(ctx, op)
}

// Cursor iterates the batches of a find (or other cursor-returning)
// command, issuing getMore commands as each batch drains.
type Cursor struct {
	coll    *Collection
	sess    *Session
	id      int64
	ns      string
	batch   []bsoncore.Document
	pos     int
	err     error
	current bsoncore.Document
}

func newCursor(coll *Collection, sess *Session, reply bsoncore.Document, batchKey string) (*Cursor, error) {
	cv, ok := reply.Lookup("cursor")
	if !ok {
		return nil, mongerr.New(mongerr.KindInternal, "reply is missing the cursor document")
	}
	cdoc, ok := cv.DocumentValue()
	if !ok {
		return nil, mongerr.New(mongerr.KindInternal, "cursor field is not a document")
	}

	cur := &Cursor{coll: coll, sess: sess}
	if v, ok := cdoc.Lookup("id"); ok {
		cur.id, _ = v.AsInt64()
	}
	if v, ok := cdoc.Lookup("ns"); ok {
		cur.ns, _ = v.StringValue()
	}
	if v, ok := cdoc.Lookup(batchKey); ok {
		if arr, ok := v.ArrayValue(); ok {
			cur.batch = batchDocuments(arr)
		}
	}
	return cur, nil
}

func batchDocuments(arr bsoncore.Document) []bsoncore.Document {
	values, ok := arr.Values()
	if !ok {
		return nil
	}
	var out []bsoncore.Document
	for _, v := range values {
		if doc, ok := v.DocumentValue(); ok {
			out = append(out, doc)
		}
	}
	return out
}

// Next advances the cursor, fetching the next batch from the server when
// the current one is exhausted. It returns false at the end of the result
// set or on error; Err distinguishes the two.
func (cur *Cursor) Next(ctx context.Context) bool {
	if cur.err != nil {
		return false
	}
	if cur.pos < len(cur.batch) {
		cur.current = cur.batch[cur.pos]
		cur.pos++
		return true
	}
	if cur.id == 0 {
		return false
	}

	cmd := bsoncore.NewDocumentBuilder().
		AppendInt64("getMore", cur.id).
		AppendString("collection", cur.coll.name).
		Build()
	reply, err := cur.coll.run(ctx, cmd, cur.sess, driver.NotRetryable)
	if err != nil {
		cur.err = err
		return false
	}

	next, err := newCursor(cur.coll, cur.sess, reply, "nextBatch")
	if err != nil {
		cur.err = err
		return false
	}
	cur.id = next.id
	cur.batch = next.batch
	cur.pos = 0
	return cur.Next(ctx)
}

// Current returns the document Next last positioned on.
func (cur *Cursor) Current() bsoncore.Document { return cur.current }

// Err returns the error that terminated iteration, if any.
func (cur *Cursor) Err() error { return cur.err }

// Close releases the server-side cursor, if it is still open.
func (cur *Cursor) Close(ctx context.Context) error {
	if cur.id == 0 {
		return nil
	}
	ids := bsoncore.NewDocumentBuilder().AppendInt64("0", cur.id).Build()
	cmd := bsoncore.NewDocumentBuilder().
		AppendString("killCursors", cur.coll.name).
		AppendArray("cursors", ids).
		Build()
	_, err := cur.coll.run(ctx, cmd, cur.sess, driver.NotRetryable)
	cur.id = 0
	return err
}
