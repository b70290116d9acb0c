// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"
)

// DefaultLocalThreshold is the default latency window width.
const DefaultLocalThreshold = 15 * time.Millisecond

// SelectCandidates runs the filtering stages of server selection against
// a topology snapshot, returning the servers eligible for random
// selection. heartbeatFrequency is the monitors' configured heartbeat
// interval, which the staleness estimate must account for. The
// CompatibilityError check and the random pick are the caller's
// responsibility: the caller owns the deadline/retry loop and the random
// source (so tests can inject one).
func SelectCandidates(topo *Topology, rp ReadPreference, localThreshold, heartbeatFrequency time.Duration) []ServerDescription {
	eligible := filterByModeAndKind(topo, rp.Mode)
	if len(eligible) == 0 {
		return nil
	}

	if rp.MaxStalenessSeconds > 0 && (topo.Kind == ReplicaSetWithPrimary || topo.Kind == ReplicaSetNoPrimary) {
		eligible = filterByMaxStaleness(topo, eligible, rp.MaxStalenessSeconds, heartbeatFrequency)
	}

	if len(rp.TagSets) > 0 {
		eligible = filterByTagSets(eligible, rp.TagSets)
	}

	if localThreshold <= 0 {
		localThreshold = DefaultLocalThreshold
	}
	eligible = filterByLatencyWindow(eligible, localThreshold)

	return eligible
}

func filterByModeAndKind(topo *Topology, mode ReadPreferenceMode) []ServerDescription {
	var candidates []ServerDescription

	switch topo.Kind {
	case Single:
		for _, s := range topo.Servers {
			candidates = append(candidates, s)
		}
		return candidates
	case Sharded, LoadBalanced:
		for _, s := range topo.Servers {
			if s.Kind == Mongos || s.Kind == LoadBalancer {
				candidates = append(candidates, s)
			}
		}
		return candidates
	}

	// Replica set topologies: select by mode.
	switch mode {
	case PrimaryMode:
		if p, ok := topo.Primary(); ok {
			candidates = append(candidates, p)
		}
	case PrimaryPreferredMode:
		if p, ok := topo.Primary(); ok {
			candidates = append(candidates, p)
			return candidates
		}
		candidates = secondaries(topo)
	case SecondaryMode:
		candidates = secondaries(topo)
	case SecondaryPreferredMode:
		candidates = secondaries(topo)
		if len(candidates) == 0 {
			if p, ok := topo.Primary(); ok {
				candidates = append(candidates, p)
			}
		}
	case NearestMode:
		candidates = secondaries(topo)
		if p, ok := topo.Primary(); ok {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func secondaries(topo *Topology) []ServerDescription {
	var out []ServerDescription
	for _, s := range topo.Servers {
		if s.Kind == RSSecondary {
			out = append(out, s)
		}
	}
	return out
}

// filterByMaxStaleness applies the staleness estimate. With a primary:
// (last_update_time - last_write_date) - (primary.last_update_time -
// primary.last_write_date) + heartbeat_frequency. Without one, the
// secondary with the greatest last_write_date is the reference:
// SMax.last_write_date - last_write_date + heartbeat_frequency.
func filterByMaxStaleness(topo *Topology, candidates []ServerDescription, maxStalenessSeconds int64, heartbeatFrequency time.Duration) []ServerDescription {
	primary, hasPrimary := topo.Primary()
	maxStaleness := time.Duration(maxStalenessSeconds) * time.Second

	var maxLastWrite time.Time
	if !hasPrimary {
		for _, s := range topo.Servers {
			if s.Kind == RSSecondary && s.LastWriteDate.After(maxLastWrite) {
				maxLastWrite = s.LastWriteDate
			}
		}
	}

	var out []ServerDescription
	for _, s := range candidates {
		if s.Kind == RSPrimary {
			out = append(out, s)
			continue
		}
		var staleness time.Duration
		if hasPrimary {
			primaryLag := primary.LastUpdateTime.Sub(primary.LastWriteDate)
			serverLag := s.LastUpdateTime.Sub(s.LastWriteDate)
			staleness = serverLag - primaryLag + heartbeatFrequency
		} else {
			staleness = maxLastWrite.Sub(s.LastWriteDate) + heartbeatFrequency
		}
		if staleness <= maxStaleness {
			out = append(out, s)
		}
	}
	return out
}

func filterByTagSets(candidates []ServerDescription, tagSets []TagSet) []ServerDescription {
	for _, ts := range tagSets {
		var matched []ServerDescription
		for _, s := range candidates {
			if ts.Matches(s.Tags) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// filterByLatencyWindow keeps servers whose RTT is within localThreshold of
// the fastest candidateS1.
func filterByLatencyWindow(candidates []ServerDescription, localThreshold time.Duration) []ServerDescription {
	if len(candidates) == 0 {
		return nil
	}
	min := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTT < min {
			min = s.AverageRTT
		}
	}
	bound := min + localThreshold

	var out []ServerDescription
	for _, s := range candidates {
		if s.AverageRTT <= bound {
			out = append(out, s)
		}
	}
	return out
}
