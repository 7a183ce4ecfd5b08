package flush

import (
	"context"
	"testing"

	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/layermap"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/resourcemgr"
	"github.com/pageserver/pageserver/value"
)

func tkey(tail uint64) key.Key {
	var k key.Key
	for i := 0; i < 8; i++ {
		k[key.Size-1-i] = byte(tail >> (8 * i))
	}
	return k
}

func newTestSetup(t *testing.T, backend Backend) (*layermap.Manager, *Worker) {
	t.Helper()
	mgr := layermap.New(t.TempDir(), resourcemgr.New(0))
	mgr.SetNextOpenLayerAt(100)
	limiter := NewLimiter(2)
	w := NewWorker(mgr, limiter, backend, t.TempDir(), 0)
	return mgr, w
}

func runFreezeAndFlushScenario(t *testing.T, backend Backend) {
	t.Helper()
	mgr, w := newTestSetup(t, backend)
	k0, k1 := tkey(0), tkey(1)

	layer, err := mgr.GetLayerForWrite(104, 100)
	if err != nil {
		t.Fatalf("GetLayerForWrite: %v", err)
	}
	puts := []struct {
		k  key.Key
		at lsn.Lsn
		v  value.Value
	}{
		{k0, 110, value.Image([]byte("b_a"))},
		{k0, 120, value.Image([]byte("b_b"))},
		{k1, 115, value.Image([]byte("b_c"))},
	}
	for _, p := range puts {
		if _, _, err := layer.PutValue(p.k, p.at, p.v); err != nil {
			t.Fatalf("PutValue: %v", err)
		}
	}

	frozen, endLsn := mgr.TryFreezeInMemoryLayer(120, nil)
	if frozen == nil {
		t.Fatal("expected a frozen layer")
	}
	if endLsn != 121 {
		t.Fatalf("endLsn = %d, want 121", endLsn)
	}

	produced, err := w.DrainOne(context.Background(), nil)
	if err != nil {
		t.Fatalf("DrainOne: %v", err)
	}
	if produced == nil {
		t.Fatal("DrainOne returned nil historic layer for a non-empty frozen layer")
	}
	if produced.Key.LsnRange.Start != 100 || produced.Key.LsnRange.End != 121 {
		t.Errorf("LsnRange = %v, want [100,121)", produced.Key.LsnRange)
	}
	if produced.Key.KeyRange.Start != key.Min || produced.Key.KeyRange.End != key.Max {
		t.Errorf("KeyRange = %v, want [Min,Max)", produced.Key.KeyRange)
	}

	if mgr.OldestFrozen() != nil {
		t.Error("frozen queue should be drained after a successful flush")
	}
	snap := mgr.Snapshot()
	if _, ok := snap.Historic[produced.Key]; !ok {
		t.Error("produced layer was not installed into the map")
	}

	// A second drain with nothing queued must be a no-op, not an error.
	nothing, err := w.DrainOne(context.Background(), nil)
	if err != nil || nothing != nil {
		t.Errorf("DrainOne on empty queue = (%v, %v), want (nil, nil)", nothing, err)
	}
}

func TestFlushPageCachedBackend(t *testing.T) {
	runFreezeAndFlushScenario(t, PageCached)
}

func TestFlushDirectBackend(t *testing.T) {
	runFreezeAndFlushScenario(t, Direct)
}

func TestFlushEmptyFrozenLayerDropsSilently(t *testing.T) {
	mgr, w := newTestSetup(t, PageCached)
	if _, err := mgr.GetLayerForWrite(104, 100); err != nil {
		t.Fatalf("GetLayerForWrite: %v", err)
	}
	frozen, _ := mgr.TryFreezeInMemoryLayer(120, nil)
	if frozen == nil {
		t.Fatal("expected a frozen layer")
	}

	produced, err := w.DrainOne(context.Background(), nil)
	if err != nil {
		t.Fatalf("DrainOne: %v", err)
	}
	if produced != nil {
		t.Errorf("DrainOne on an empty frozen layer = %v, want nil", produced)
	}
	if mgr.OldestFrozen() != nil {
		t.Error("empty frozen layer must still be popped off the queue")
	}
}
