// Copyright 2025 James Ross
package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignPartitionsCoversAllPartitions(t *testing.T) {
	assignment := AssignPartitions("leads", 8, []string{"worker-a", "worker-b", "worker-c"})
	require.Len(t, assignment, 8)
	for p := 0; p < 8; p++ {
		_, ok := assignment[p]
		require.True(t, ok, "partition %d unassigned", p)
	}
}

func TestAssignPartitionsDeterministic(t *testing.T) {
	members := []string{"worker-a", "worker-b", "worker-c"}
	a1 := AssignPartitions("leads", 16, members)
	a2 := AssignPartitions("leads", 16, members)
	require.Equal(t, a1, a2)
}

func TestAssignPartitionsMinimalChurnOnMemberLeave(t *testing.T) {
	full := []string{"worker-a", "worker-b", "worker-c", "worker-d"}
	before := AssignPartitions("leads", 64, full)

	reduced := []string{"worker-a", "worker-b", "worker-c"}
	after := AssignPartitions("leads", 64, reduced)

	moved := 0
	for p, owner := range before {
		if owner == "worker-d" {
			continue // necessarily reassigned
		}
		if after[p] != owner {
			moved++
		}
	}
	require.Zero(t, moved, "partitions not owned by the departing member should not move")
}

func TestOwnedPartitionsSorted(t *testing.T) {
	assignment := map[int]string{0: "a", 1: "b", 2: "a", 3: "a"}
	owned := OwnedPartitions(assignment, "a")
	require.Equal(t, []int{0, 2, 3}, owned)
}
