package broker

import "github.com/cespare/xxhash/v2"

// partitionFor hashes a topic name onto one of n partitions. xxhash gives a
// fast, well-distributed, stable hash so that a topic always lands on the
// same partition for the lifetime of the broker (spec.md §4.7
// "topic_for_partition").
func partitionFor(topic string, n int) int {
	if n <= 1 {
		return 0
	}
	h := xxhash.Sum64String(topic)
	return int(h % uint64(n))
}
