// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/internal/address"
)

// A latency window of min(rtt)+threshold excludes the slow secondary.
func TestSelectCandidatesSecondaryLatencyWindow(t *testing.T) {
	topo := NewTopology(ReplicaSetWithPrimary, "rs0")
	topo.Servers["A:27017"] = ServerDescription{Address: "A:27017", Kind: RSPrimary, AverageRTT: 5 * time.Millisecond}
	topo.Servers["B:27017"] = ServerDescription{Address: "B:27017", Kind: RSSecondary, AverageRTT: 7 * time.Millisecond}
	topo.Servers["C:27017"] = ServerDescription{Address: "C:27017", Kind: RSSecondary, AverageRTT: 30 * time.Millisecond}

	candidates := SelectCandidates(topo, ReadPreference{Mode: SecondaryMode}, 15*time.Millisecond, 10*time.Second)

	require.Len(t, candidates, 1)
	require.Equal(t, address.Address("B:27017"), candidates[0].Address)
}

func TestSelectCandidatesPrimaryPreferredFallsBackToSecondary(t *testing.T) {
	topo := NewTopology(ReplicaSetNoPrimary, "rs0")
	topo.Servers["B:27017"] = ServerDescription{Address: "B:27017", Kind: RSSecondary, AverageRTT: 7 * time.Millisecond}

	candidates := SelectCandidates(topo, ReadPreference{Mode: PrimaryPreferredMode}, 15*time.Millisecond, 10*time.Second)
	require.Len(t, candidates, 1)
	require.Equal(t, address.Address("B:27017"), candidates[0].Address)
}

func TestSelectCandidatesTagSetFirstMatchWins(t *testing.T) {
	topo := NewTopology(ReplicaSetWithPrimary, "rs0")
	topo.Servers["A:27017"] = ServerDescription{Address: "A:27017", Kind: RSPrimary, AverageRTT: time.Millisecond}
	topo.Servers["B:27017"] = ServerDescription{
		Address: "B:27017", Kind: RSSecondary, AverageRTT: time.Millisecond,
		Tags: map[string]string{"region": "east"},
	}
	topo.Servers["C:27017"] = ServerDescription{
		Address: "C:27017", Kind: RSSecondary, AverageRTT: time.Millisecond,
		Tags: map[string]string{"region": "west"},
	}

	rp := ReadPreference{
		Mode:    SecondaryMode,
		TagSets: []TagSet{{"region": "west"}, {"region": "east"}},
	}
	candidates := SelectCandidates(topo, rp, 15*time.Millisecond, 10*time.Second)
	require.Len(t, candidates, 1)
	require.Equal(t, address.Address("C:27017"), candidates[0].Address)
}

func TestTopologyCheckInvariantsRejectsMultiplePrimaries(t *testing.T) {
	topo := NewTopology(ReplicaSetWithPrimary, "rs0")
	topo.Servers["A:27017"] = ServerDescription{Address: "A:27017", Kind: RSPrimary}
	topo.Servers["B:27017"] = ServerDescription{Address: "B:27017", Kind: RSPrimary}

	require.Error(t, topo.CheckInvariants())
}

func TestTopologyCheckInvariantsAcceptsSinglePrimary(t *testing.T) {
	topo := NewTopology(ReplicaSetWithPrimary, "rs0")
	topo.Servers["A:27017"] = ServerDescription{Address: "A:27017", Kind: RSPrimary}
	topo.Servers["B:27017"] = ServerDescription{Address: "B:27017", Kind: RSSecondary}

	require.NoError(t, topo.CheckInvariants())
}

func TestMaxStalenessIncludesHeartbeatFrequency(t *testing.T) {
	now := time.Now()
	topo := NewTopology(ReplicaSetWithPrimary, "rs0")
	topo.Servers["A:27017"] = ServerDescription{
		Address: "A:27017", Kind: RSPrimary, AverageRTT: time.Millisecond,
		LastUpdateTime: now, LastWriteDate: now,
	}
	// 100s behind the primary's write point.
	topo.Servers["B:27017"] = ServerDescription{
		Address: "B:27017", Kind: RSSecondary, AverageRTT: time.Millisecond,
		LastUpdateTime: now, LastWriteDate: now.Add(-100 * time.Second),
	}

	// Lag alone (100s) fits under the 105s bound, but adding a 10s
	// heartbeat interval pushes the estimate over it.
	rp := ReadPreference{Mode: SecondaryMode, MaxStalenessSeconds: 105}
	candidates := SelectCandidates(topo, rp, 15*time.Millisecond, 10*time.Second)
	require.Empty(t, candidates)

	candidates = SelectCandidates(topo, rp, 15*time.Millisecond, time.Second)
	require.Len(t, candidates, 1)
	require.Equal(t, address.Address("B:27017"), candidates[0].Address)
}

func TestMaxStalenessWithoutPrimaryUsesFreshestSecondary(t *testing.T) {
	now := time.Now()
	topo := NewTopology(ReplicaSetNoPrimary, "rs0")
	topo.Servers["B:27017"] = ServerDescription{
		Address: "B:27017", Kind: RSSecondary, AverageRTT: time.Millisecond,
		LastUpdateTime: now, LastWriteDate: now,
	}
	topo.Servers["C:27017"] = ServerDescription{
		Address: "C:27017", Kind: RSSecondary, AverageRTT: time.Millisecond,
		LastUpdateTime: now, LastWriteDate: now.Add(-200 * time.Second),
	}

	// C is 200s behind the freshest secondary, beyond the 150s bound; B
	// is the reference itself and stays.
	rp := ReadPreference{Mode: SecondaryMode, MaxStalenessSeconds: 150}
	candidates := SelectCandidates(topo, rp, 15*time.Millisecond, 10*time.Second)
	require.Len(t, candidates, 1)
	require.Equal(t, address.Address("B:27017"), candidates[0].Address)
}
