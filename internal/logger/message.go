// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "time"

// ComponentMessage is implemented by every structured log message the
// driver core can emit. Serialize returns alternating key/value pairs
// suitable for a logr-style sink.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize(maxDocLen uint) []interface{}
}

// CommandMessageDropped is logged when the internal job buffer is full and
// a message had to be discarded rather than block the caller.
type CommandMessageDropped struct{}

// Component implements ComponentMessage.
func (CommandMessageDropped) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (CommandMessageDropped) Message() string { return "Command message dropped" }

// Serialize implements ComponentMessage.
func (CommandMessageDropped) Serialize(uint) []interface{} { return nil }

// CommandStartedMessage mirrors the command-monitoring CommandStarted event
//, surfaced through the logger as well as the event bus.
type CommandStartedMessage struct {
	CommandName  string
	DatabaseName string
	RequestID    int64
	ConnectionID string
	ServerHost   string
	Command      string
}

// Component implements ComponentMessage.
func (CommandStartedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m CommandStartedMessage) Message() string { return "Command started" }

// Serialize implements ComponentMessage.
func (m CommandStartedMessage) Serialize(maxDocLen uint) []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"serverHost", m.ServerHost,
		"command", truncate(m.Command, maxDocLen),
	}
}

// CommandSucceededMessage mirrors CommandSucceeded.
type CommandSucceededMessage struct {
	CommandName  string
	RequestID    int64
	ConnectionID string
	DurationMS   int64
	Reply        string
}

// Component implements ComponentMessage.
func (CommandSucceededMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m CommandSucceededMessage) Message() string { return "Command succeeded" }

// Serialize implements ComponentMessage.
func (m CommandSucceededMessage) Serialize(maxDocLen uint) []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"durationMS", m.DurationMS,
		"reply", truncate(m.Reply, maxDocLen),
	}
}

// CommandFailedMessage mirrors CommandFailed.
type CommandFailedMessage struct {
	CommandName  string
	RequestID    int64
	ConnectionID string
	DurationMS   int64
	Failure      string
}

// Component implements ComponentMessage.
func (CommandFailedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m CommandFailedMessage) Message() string { return "Command failed" }

// Serialize implements ComponentMessage.
func (m CommandFailedMessage) Serialize(uint) []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"durationMS", m.DurationMS,
		"failure", m.Failure,
	}
}

// ServerDescriptionChangedMessage mirrors the SDAM ServerDescriptionChanged
// event.
type ServerDescriptionChangedMessage struct {
	Address        string
	PreviousType   string
	NewType        string
	TopologyID     string
	ObservedAt     time.Time
}

// Component implements ComponentMessage.
func (ServerDescriptionChangedMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (m ServerDescriptionChangedMessage) Message() string { return "Server description changed" }

// Serialize implements ComponentMessage.
func (m ServerDescriptionChangedMessage) Serialize(uint) []interface{} {
	return []interface{}{
		"serverHost", m.Address,
		"previousDescription", m.PreviousType,
		"newDescription", m.NewType,
		"topologyId", m.TopologyID,
	}
}
