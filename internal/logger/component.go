// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

// Component identifies which part of the driver core emitted a log line.
type Component int

// The components that can be independently leveled.
const (
	ComponentCommand Component = iota
	ComponentTopology
	ComponentServerSelection
	ComponentConnection
)

const (
	componentEnvVarAll             = "MONGODB_LOG_ALL"
	mongoDBLogCommandEnvVar        = "MONGODB_LOG_COMMAND"
	mongoDBLogTopologyEnvVar       = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar     = "MONGODB_LOG_CONNECTION"
)

var componentEnvVars = map[string]Component{
	mongoDBLogCommandEnvVar:         ComponentCommand,
	mongoDBLogTopologyEnvVar:        ComponentTopology,
	mongoDBLogServerSelectionEnvVar: ComponentServerSelection,
	mongoDBLogConnectionEnvVar:      ComponentConnection,
}
