package broker

import "testing"

func TestPartitionForStable(t *testing.T) {
	a := partitionFor("orders", 8)
	b := partitionFor("orders", 8)
	if a != b {
		t.Fatalf("partitionFor not stable across calls: %d != %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Fatalf("partitionFor out of range: %d", a)
	}
}

func TestPartitionForDistributes(t *testing.T) {
	const n = 4
	counts := make([]int, n)
	for i := 0; i < 200; i++ {
		topic := "topic-" + string(rune('a'+i%26)) + string(rune('A'+i%13))
		counts[partitionFor(topic, n)]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Fatalf("partition %d received no topics out of 200 samples", i)
		}
	}
}

func TestPartitionForSinglePartition(t *testing.T) {
	if got := partitionFor("anything", 1); got != 0 {
		t.Fatalf("partitionFor with n=1 = %d, want 0", got)
	}
}
