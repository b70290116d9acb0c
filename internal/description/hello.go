// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"encoding/hex"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/bsoncore"
)

// NewServerFromHello builds a ServerDescription from a hello (or legacy
// isMaster) reply, classifying the server's kind from the reply's shape.
func NewServerFromHello(addr address.Address, reply bsoncore.Document) ServerDescription {
	desc := NewDefaultServer(addr)
	desc.LastUpdateTime = time.Now()

	if v, ok := reply.Lookup("maxWireVersion"); ok {
		n, _ := v.AsInt64()
		desc.MaxWireVersion = int32(n)
	}
	if v, ok := reply.Lookup("minWireVersion"); ok {
		n, _ := v.AsInt64()
		desc.MinWireVersion = int32(n)
	}
	if v, ok := reply.Lookup("setName"); ok {
		desc.SetName, _ = v.StringValue()
	}
	if v, ok := reply.Lookup("setVersion"); ok {
		desc.SetVersion, _ = v.AsInt64()
	}
	if v, ok := reply.Lookup("electionId"); ok {
		desc.ElectionID = objectIDHex(v)
	}
	if v, ok := reply.Lookup("primary"); ok {
		p, _ := v.StringValue()
		desc.Primary = address.Address(p)
	}
	if v, ok := reply.Lookup("logicalSessionTimeoutMinutes"); ok {
		if n, ok := v.AsInt64(); ok {
			desc.SessionTimeoutMinutes = &n
		}
	}
	if v, ok := reply.Lookup("helloOk"); ok {
		desc.HelloOK, _ = v.BooleanValue()
	}
	if v, ok := reply.Lookup("serviceId"); ok {
		desc.ServiceID = objectIDHex(v)
	}

	desc.Hosts = addressList(reply, "hosts")
	desc.Passives = addressList(reply, "passives")
	desc.Arbiters = addressList(reply, "arbiters")

	if v, ok := reply.Lookup("tags"); ok {
		if doc, ok := v.DocumentValue(); ok {
			desc.Tags = tagMap(doc)
		}
	}

	if v, ok := reply.Lookup("lastWrite"); ok {
		if doc, ok := v.DocumentValue(); ok {
			if lw, ok := doc.Lookup("lastWriteDate"); ok {
				if ms, ok := lw.DateTimeValue(); ok {
					desc.LastWriteDate = time.UnixMilli(ms).UTC()
				}
			}
		}
	}

	if v, ok := reply.Lookup("topologyVersion"); ok {
		if doc, ok := v.DocumentValue(); ok {
			tv := &TopologyVersion{}
			if pv, ok := doc.Lookup("processId"); ok {
				tv.ProcessID = objectIDHex(pv)
			}
			if cv, ok := doc.Lookup("counter"); ok {
				tv.Counter, _ = cv.AsInt64()
			}
			desc.TopologyVersion = tv
		}
	}

	desc.Kind = classifyKind(reply, desc)
	return desc
}

func classifyKind(reply bsoncore.Document, desc ServerDescription) ServerKind {
	if v, ok := reply.Lookup("msg"); ok {
		if msg, _ := v.StringValue(); msg == "isdbgrid" {
			return Mongos
		}
	}
	if v, ok := reply.Lookup("isreplicaset"); ok {
		if b, _ := v.BooleanValue(); b {
			return RSGhost
		}
	}
	if desc.ServiceID != "" {
		return LoadBalancer
	}
	if desc.SetName != "" {
		if boolField(reply, "isWritablePrimary") || boolField(reply, "ismaster") {
			return RSPrimary
		}
		if boolField(reply, "hidden") {
			return RSOther
		}
		if boolField(reply, "secondary") {
			return RSSecondary
		}
		if boolField(reply, "arbiterOnly") {
			return RSArbiter
		}
		return RSOther
	}
	return Standalone
}

func boolField(reply bsoncore.Document, key string) bool {
	v, ok := reply.Lookup(key)
	if !ok {
		return false
	}
	b, _ := v.BooleanValue()
	return b
}

func addressList(reply bsoncore.Document, key string) []address.Address {
	v, ok := reply.Lookup(key)
	if !ok {
		return nil
	}
	arr, ok := v.ArrayValue()
	if !ok {
		return nil
	}
	values, ok := arr.Values()
	if !ok {
		return nil
	}
	var out []address.Address
	for _, av := range values {
		if s, ok := av.StringValue(); ok {
			out = append(out, address.Address(s))
		}
	}
	return out
}

func tagMap(doc bsoncore.Document) map[string]string {
	out := make(map[string]string)
	doc.Range(func(key string, v bsoncore.Value) bool {
		if s, ok := v.StringValue(); ok {
			out[key] = s
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func objectIDHex(v bsoncore.Value) string {
	if v.Type != bsoncore.TypeObjectID || len(v.Data) != 12 {
		return ""
	}
	return hex.EncodeToString(v.Data)
}
