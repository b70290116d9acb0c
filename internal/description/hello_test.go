// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
)

func TestNewServerFromHelloClassifiesPrimary(t *testing.T) {
	hosts := bsoncore.NewDocumentBuilder().
		AppendString("0", "a:27017").
		AppendString("1", "b:27017").
		Build()
	tags := bsoncore.NewDocumentBuilder().
		AppendString("region", "east").
		Build()
	timeout := int64(30)
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendBoolean("isWritablePrimary", true).
		AppendBoolean("helloOk", true).
		AppendString("setName", "rs0").
		AppendInt64("setVersion", 3).
		AppendArray("hosts", hosts).
		AppendDocument("tags", tags).
		AppendInt32("maxWireVersion", 17).
		AppendInt32("minWireVersion", 6).
		AppendInt64("logicalSessionTimeoutMinutes", timeout).
		Build()

	desc := NewServerFromHello("a:27017", reply)

	require.Equal(t, RSPrimary, desc.Kind)
	require.Equal(t, "rs0", desc.SetName)
	require.Equal(t, int64(3), desc.SetVersion)
	require.Equal(t, []address.Address{"a:27017", "b:27017"}, desc.Hosts)
	require.Equal(t, map[string]string{"region": "east"}, desc.Tags)
	require.Equal(t, int32(17), desc.MaxWireVersion)
	require.True(t, desc.HelloOK)
	require.NotNil(t, desc.SessionTimeoutMinutes)
	require.Equal(t, int64(30), *desc.SessionTimeoutMinutes)
}

func TestNewServerFromHelloClassifiesByShape(t *testing.T) {
	cases := []struct {
		name  string
		build func(*bsoncore.DocumentBuilder)
		want  ServerKind
	}{
		{"mongos", func(b *bsoncore.DocumentBuilder) {
			b.AppendString("msg", "isdbgrid")
		}, Mongos},
		{"ghost", func(b *bsoncore.DocumentBuilder) {
			b.AppendBoolean("isreplicaset", true)
		}, RSGhost},
		{"secondary", func(b *bsoncore.DocumentBuilder) {
			b.AppendString("setName", "rs0").AppendBoolean("secondary", true)
		}, RSSecondary},
		{"arbiter", func(b *bsoncore.DocumentBuilder) {
			b.AppendString("setName", "rs0").AppendBoolean("arbiterOnly", true)
		}, RSArbiter},
		{"hidden member", func(b *bsoncore.DocumentBuilder) {
			b.AppendString("setName", "rs0").
				AppendBoolean("secondary", true).
				AppendBoolean("hidden", true)
		}, RSOther},
		{"standalone", func(b *bsoncore.DocumentBuilder) {
			b.AppendBoolean("isWritablePrimary", true)
		}, Standalone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1)
			tc.build(b)
			desc := NewServerFromHello("a:27017", b.Build())
			require.Equal(t, tc.want, desc.Kind)
		})
	}
}

func TestNewServerFromHelloParsesTopologyVersion(t *testing.T) {
	oid := make([]byte, 12)
	oid[11] = 1
	tv := bsoncore.NewDocumentBuilder().
		AppendValue("processId", bsoncore.Value{Type: bsoncore.TypeObjectID, Data: oid}).
		AppendInt64("counter", 5).
		Build()
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendBoolean("isWritablePrimary", true).
		AppendDocument("topologyVersion", tv).
		Build()

	desc := NewServerFromHello("a:27017", reply)
	require.NotNil(t, desc.TopologyVersion)
	require.Equal(t, int64(5), desc.TopologyVersion.Counter)
	require.Equal(t, "000000000000000000000001", desc.TopologyVersion.ProcessID)
}
