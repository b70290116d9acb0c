// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot carries deadline-propagation helpers used throughout the
// executor's suspension points: I/O, server selection, and the transaction
// commit retry loop all check a deadline on the context rather than a
// bespoke timeout argument.
package csot

import (
	"context"
	"time"
)

type timeoutKey struct{}

// MakeTimeoutContext returns a context carrying an operation-wide timeout.
// A zero duration applies no deadline but still marks the context, so
// downstream code can tell an operation-scoped deadline from an ambient
// one.
func MakeTimeoutContext(ctx context.Context, to time.Duration) (context.Context, context.CancelFunc) {
	cancelFunc := func() {}
	if to != 0 {
		ctx, cancelFunc = context.WithTimeout(ctx, to)
	}
	return context.WithValue(ctx, timeoutKey{}, true), cancelFunc
}

// IsTimeoutContext reports whether ctx carries an operation-wide timeout.
func IsTimeoutContext(ctx context.Context) bool {
	return ctx.Value(timeoutKey{}) != nil
}

type skipMaxTime struct{}

// NewSkipMaxTimeContext returns a context instructing operation
// construction not to derive a maxTimeMS from the deadline. Used for
// monitoring, where non-awaitable hello commands are put on the wire.
func NewSkipMaxTimeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipMaxTime{}, true)
}

// IsSkipMaxTimeContext checks if the provided context has been assigned
// the "skipMaxTime" value.
func IsSkipMaxTimeContext(ctx context.Context) bool {
	return ctx.Value(skipMaxTime{}) != nil
}

// WithServerSelectionTimeout creates a context whose deadline is the
// minimum of serverSelectionTimeout and any deadline already on parent.
// Non-positive serverSelectionTimeout values are ignored.
func WithServerSelectionTimeout(
	parent context.Context,
	serverSelectionTimeout time.Duration,
) (context.Context, context.CancelFunc) {
	var timeout time.Duration

	deadline, ok := parent.Deadline()
	if ok {
		timeout = time.Until(deadline)
	}

	if !ok && serverSelectionTimeout <= 0 {
		return parent, func() {}
	}

	if !ok {
		timeout = serverSelectionTimeout
	} else if timeout >= serverSelectionTimeout && serverSelectionTimeout > 0 {
		timeout = serverSelectionTimeout
	}

	return context.WithTimeout(parent, timeout)
}

// RTTMonitor is implemented by anything that tracks a server's round-trip
// time, supplementing the bare EWMA with min/p90 statistics for
// diagnostics.
type RTTMonitor interface {
	EWMA() time.Duration
	Min() time.Duration
	P90() time.Duration
	Stats() string
}

// ZeroRTTMonitor implements RTTMonitor with zero values, for tests and for
// servers that have not been sampled yet.
type ZeroRTTMonitor struct{}

// EWMA implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) EWMA() time.Duration {
	return 0
}

// Min implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) Min() time.Duration {
	return 0
}

// P90 implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) P90() time.Duration {
	return 0
}

// Stats implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) Stats() string {
	return ""
}
