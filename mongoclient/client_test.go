// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongoclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/connstring"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/description"
)

func TestTopologyModeFromConnString(t *testing.T) {
	cases := []struct {
		uri  string
		want description.TopologyKind
	}{
		{"mongodb://h1", description.TopologyUnknown},
		{"mongodb://h1/?directConnection=true", description.Single},
		{"mongodb://h1/?replicaSet=rs0", description.ReplicaSetNoPrimary},
		{"mongodb://h1/?loadBalanced=true", description.LoadBalanced},
	}
	for _, tc := range cases {
		cs, err := connstring.Parse(tc.uri)
		require.NoError(t, err, tc.uri)
		require.Equal(t, tc.want, topologyMode(cs), tc.uri)
	}
}

func TestReadPrefFromConnString(t *testing.T) {
	cs, err := connstring.Parse("mongodb://h1/?readPreference=secondaryPreferred&" +
		"readPreferenceTags=dc:ny&maxStalenessSeconds=100")
	require.NoError(t, err)

	rp := readPrefFromConnString(cs)
	require.Equal(t, description.SecondaryPreferredMode, rp.Mode)
	require.Equal(t, []description.TagSet{{"dc": "ny"}}, rp.TagSets)
	require.Equal(t, int64(100), rp.MaxStalenessSeconds)
}

func TestConnectRejectsSRVWithoutResolver(t *testing.T) {
	_, err := Connect("mongodb+srv://cluster0.example.com/db", nil)
	require.Error(t, err)
}

func TestConnectAndDisconnect(t *testing.T) {
	// No server is listening; the monitors just record heartbeat failures
	// while the client wiring is exercised.
	c, err := Connect("mongodb://localhost:50099/?retryWrites=false&heartbeatFrequencyMS=600000", nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Disconnect(context.Background())) }()

	require.False(t, c.executor.RetryWrites)
	require.True(t, c.executor.RetryReads)

	db := c.Database("app")
	require.Equal(t, "app", db.Name())
	coll := db.Collection("things")
	require.Equal(t, "things", coll.Name())

	sub := c.SubscribeServerChanges(4)
	defer sub.Unsubscribe()
}

func TestCursorIteratesBatchesWithoutGetMore(t *testing.T) {
	doc1 := bsoncore.NewDocumentBuilder().AppendInt32("x", 1).Build()
	doc2 := bsoncore.NewDocumentBuilder().AppendInt32("x", 2).Build()
	batch := bsoncore.NewDocumentBuilder().
		AppendDocument("0", doc1).
		AppendDocument("1", doc2).
		Build()
	cursorDoc := bsoncore.NewDocumentBuilder().
		AppendInt64("id", 0).
		AppendString("ns", "app.things").
		AppendArray("firstBatch", batch).
		Build()
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendDocument("cursor", cursorDoc).
		Build()

	cur, err := newCursor(&Collection{name: "things"}, nil, reply, "firstBatch")
	require.NoError(t, err)

	var seen []int32
	for cur.Next(context.Background()) {
		v, ok := cur.Current().Lookup("x")
		require.True(t, ok)
		x, _ := v.Int32Value()
		seen = append(seen, x)
	}
	require.NoError(t, cur.Err())
	require.Equal(t, []int32{1, 2}, seen)
	require.NoError(t, cur.Close(context.Background()))
}
