// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the SCRAM-SHA-256 conversation the connection
// handshake runs before a connection becomes Available. It owns just
// enough of the SASL flow to drive the xdg-go/scram client through a
// conversation over a caller-supplied command runner, so Connection has
// something real to call during its Pending state.
package auth

import (
	"context"
	"fmt"

	"github.com/xdg-go/scram"

	"github.com/mongowire/driver/internal/bsoncore"
)

// CommandRunner is the minimal surface a Connection must expose for the
// authenticator to conduct a SASL conversation: send one command document,
// get one reply document back.
type CommandRunner interface {
	RunCommand(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error)
}

// Credential holds the identity the authenticator conducts SCRAM with.
type Credential struct {
	Source   string
	Username string
	Password string
}

// ScramSHA256Authenticator runs the SCRAM-SHA-256 SASL conversation.
type ScramSHA256Authenticator struct {
	cred Credential
}

// NewScramSHA256Authenticator constructs an authenticator for cred.
func NewScramSHA256Authenticator(cred Credential) *ScramSHA256Authenticator {
	return &ScramSHA256Authenticator{cred: cred}
}

const mechanismName = "SCRAM-SHA-256"

// Authenticate drives the saslStart/saslContinue conversation to
// completion against runner, in the source database (defaulting to
// "admin" if cred.Source is empty).
func (a *ScramSHA256Authenticator) Authenticate(ctx context.Context, runner CommandRunner) error {
	db := a.cred.Source
	if db == "" {
		db = "admin"
	}

	client, err := scram.SHA256.NewClient(a.cred.Username, a.cred.Password, "")
	if err != nil {
		return fmt.Errorf("auth: building SCRAM client: %w", err)
	}
	conv := client.NewConversation()

	payload, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("auth: SCRAM first step: %w", err)
	}

	startCmd := bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", mechanismName).
		AppendBinary("payload", 0x00, []byte(payload)).
		Build()

	reply, err := runner.RunCommand(ctx, db, startCmd)
	if err != nil {
		return fmt.Errorf("auth: saslStart: %w", err)
	}

	for {
		if !replyOK(reply) {
			msg, _ := reply.Lookup("errmsg")
			errmsg, _ := msg.StringValue()
			return fmt.Errorf("auth: server rejected SCRAM conversation: %s", errmsg)
		}

		doneVal, _ := reply.Lookup("done")
		done, _ := doneVal.BooleanValue()

		var challenge string
		if challengeVal, ok := reply.Lookup("payload"); ok {
			if _, data, ok := challengeVal.BinaryValue(); ok {
				challenge = string(data)
			}
		}

		if done {
			return nil
		}

		resp, err := conv.Step(challenge)
		if err != nil {
			return fmt.Errorf("auth: SCRAM step: %w", err)
		}

		cidVal, _ := reply.Lookup("conversationId")
		cid, _ := cidVal.AsInt64()

		continueCmd := bsoncore.NewDocumentBuilder().
			AppendInt32("saslContinue", 1).
			AppendInt64("conversationId", cid).
			AppendBinary("payload", 0x00, []byte(resp)).
			Build()

		reply, err = runner.RunCommand(ctx, db, continueCmd)
		if err != nil {
			return fmt.Errorf("auth: saslContinue: %w", err)
		}
	}
}

// replyOK tolerates the double, int, and bool encodings of the ok field.
func replyOK(reply bsoncore.Document) bool {
	v, ok := reply.Lookup("ok")
	if !ok {
		return false
	}
	if d, ok := v.DoubleValue(); ok {
		return d == 1
	}
	if i, ok := v.AsInt64(); ok {
		return i == 1
	}
	if b, ok := v.BooleanValue(); ok {
		return b
	}
	return false
}
