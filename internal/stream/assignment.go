// Copyright 2025 James Ross
package stream

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// AssignPartitions deterministically maps partitions across consumer group
// members using rendezvous (highest-random-weight) hashing: every member
// computes the same assignment independently from the member list and
// partition count, with no coordinator and minimal churn when membership
// changes (only partitions owned by a joining/leaving member move).
//
// Supplements the distilled spec's bare "partition assignment strategy"
// config knob with a concrete, reassignment-stable algorithm.
func AssignPartitions(topic string, partitionCount int, members []string) map[int]string {
	assignment := make(map[int]string, partitionCount)
	if len(members) == 0 {
		return assignment
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	for p := 0; p < partitionCount; p++ {
		var best string
		var bestWeight uint64
		for _, m := range sorted {
			w := rendezvousWeight(topic, p, m)
			if best == "" || w > bestWeight {
				best = m
				bestWeight = w
			}
		}
		assignment[p] = best
	}
	return assignment
}

func rendezvousWeight(topic string, partition int, member string) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", topic, partition, member)))
	return binary.BigEndian.Uint64(h[:8])
}

// OwnedPartitions returns the partitions assignment gives to self, sorted
// ascending.
func OwnedPartitions(assignment map[int]string, self string) []int {
	var owned []int
	for p, owner := range assignment {
		if owner == self {
			owned = append(owned, p)
		}
	}
	sort.Ints(owned)
	return owned
}
