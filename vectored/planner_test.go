package vectored

import (
	"testing"

	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/lsn"
)

func k(tail uint64) key.Key {
	var kk key.Key
	for i := 0; i < 8; i++ {
		kk[key.Size-1-i] = byte(tail >> (8 * i))
	}
	return kk
}

func totalBlobs(reads []VectoredRead) int {
	n := 0
	for _, r := range reads {
		n += len(r.Blobs)
	}
	return n
}

// TestPlannerCoalescing6Reads reproduces the planner's 6-read coalescing
// scenario: 8 same-key observations at increasing offsets, bounded by a
// 128KiB read size, partition into groups [0..3), [3..4), [4..5), [5..6),
// [6..7), [7..8).
func TestPlannerCoalescing6Reads(t *testing.T) {
	const maxReadSize = 131072
	offsets := []uint64{0, 32768, 98304, 131072, 202752, 274432, 405504, 667648}

	p := NewPlanner(maxReadSize)
	k0 := k(0)
	for i, off := range offsets {
		p.Handle(k0, lsn.Lsn(i), off, FlagNone)
	}
	reads := p.HandleRangeEnd(667648)

	if len(reads) != 6 {
		t.Fatalf("got %d reads, want 6", len(reads))
	}
	wantCounts := []int{3, 1, 1, 1, 1, 1}
	for i, r := range reads {
		if len(r.Blobs) != wantCounts[i] {
			t.Errorf("read %d has %d blobs, want %d", i, len(r.Blobs), wantCounts[i])
		}
		if r.Size() > maxReadSize && len(r.Blobs) > 1 {
			t.Errorf("read %d spans %d bytes, exceeds max_read_size with multiple blobs", i, r.Size())
		}
	}
	if got := totalBlobs(reads); got != len(offsets) {
		t.Errorf("total blobs across reads = %d, want %d", got, len(offsets))
	}
}

// TestPlannerReplaceAll reproduces the replacement scenario: a ReplaceAll
// observation discards everything previously bucketed for its key.
func TestPlannerReplaceAll(t *testing.T) {
	p := NewPlanner(1 << 20)
	k0, k1 := k(0), k(1)

	p.Handle(k0, 1, 0, FlagNone)
	p.Handle(k0, 2, 1024, FlagNone)
	p.Handle(k1, 3, 2048, FlagReplaceAll)
	p.Handle(k1, 4, 3072, FlagNone)
	p.Handle(k1, 5, 4096, FlagReplaceAll)
	p.Handle(k1, 6, 5120, FlagNone)
	reads := p.HandleRangeEnd(6144)

	if len(reads) != 2 {
		t.Fatalf("got %d reads, want 2", len(reads))
	}
	if reads[0].Start != 0 || reads[0].End != 2048 || len(reads[0].Blobs) != 2 {
		t.Errorf("read 0 = %+v, want K0@0 and K0@1024 coalesced into [0,2048)", reads[0])
	}
	if reads[1].Start != 4096 || reads[1].End != 6144 || len(reads[1].Blobs) != 2 {
		t.Errorf("read 1 = %+v, want K1@4096 and K1@5120 coalesced into [4096,6144) (K1@2048 and K1@3072 discarded by ReplaceAll)", reads[1])
	}
	for _, b := range reads[1].Blobs {
		if b.Meta.Key != k1 {
			t.Errorf("read 1 blob meta key = %v, want K1", b.Meta.Key)
		}
	}
}

func TestPlannerIgnoreDropsObservation(t *testing.T) {
	p := NewPlanner(1 << 20)
	k0 := k(0)
	p.Handle(k0, 1, 0, FlagIgnore)
	p.Handle(k0, 2, 100, FlagNone)
	reads := p.HandleRangeEnd(200)

	if got := totalBlobs(reads); got != 1 {
		t.Fatalf("got %d blobs, want 1 (ignored observation must not appear)", got)
	}
}

// TestStreamingPlannerMaxCount reproduces the streaming max-count scenario:
// the same 8 adjacent observations as the coalescing scenario, bounded only
// by a blob count of 2 per read (a read size large enough never to bind),
// produce 4 reads of exactly 2 blobs each.
func TestStreamingPlannerMaxCount(t *testing.T) {
	const maxCount = 2
	offsets := []uint64{0, 32768, 98304, 131072, 202752, 274432, 405504, 667648}

	p := NewStreamingPlanner(1<<31, maxCount)
	k0 := k(0)
	for i, off := range offsets {
		p.Handle(k0, lsn.Lsn(i), off, FlagNone)
	}
	reads := p.HandleRangeEnd(667648)

	if len(reads) != 4 {
		t.Fatalf("got %d reads, want 4", len(reads))
	}
	for i, r := range reads {
		if len(r.Blobs) != 2 {
			t.Errorf("read %d has %d blobs, want 2", i, len(r.Blobs))
		}
	}
	if got := totalBlobs(reads); got != len(offsets) {
		t.Errorf("total blobs = %d, want %d", got, len(offsets))
	}
}

func TestStreamingPlannerDrainThenRangeEnd(t *testing.T) {
	p := NewStreamingPlanner(1<<31, 2)
	k0 := k(0)
	p.Handle(k0, 1, 0, FlagNone)
	p.Handle(k0, 2, 10, FlagNone)
	p.Handle(k0, 3, 20, FlagNone) // closes the second blob, completing a 2-blob read

	drained := p.Drain()
	if len(drained) != 1 || len(drained[0].Blobs) != 2 {
		t.Fatalf("Drain: got %v, want one completed 2-blob read", drained)
	}

	reads := p.HandleRangeEnd(30)
	if len(reads) != 1 || len(reads[0].Blobs) != 1 {
		t.Fatalf("HandleRangeEnd: got %v, want one trailing 1-blob read", reads)
	}
}
