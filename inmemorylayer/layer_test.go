package inmemorylayer

import (
	"path/filepath"
	"testing"

	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/resourcemgr"
	"github.com/pageserver/pageserver/value"
)

func testKey(tail uint64) key.Key {
	var k key.Key
	for i := 0; i < 8; i++ {
		k[key.Size-1-i] = byte(tail >> (8 * i))
	}
	return k
}

func newTestLayer(t *testing.T, startLsn lsn.Lsn) *Layer {
	t.Helper()
	acct := resourcemgr.New(0)
	l, err := New(filepath.Join(t.TempDir(), "layer.blob"), startLsn, acct)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// TestReconstructStopsAtWillInit reproduces the reconstruction scenario: a
// base image followed by three WAL records, the second of which sets
// WillInit. Reading must stop there without consulting the base image.
func TestReconstructStopsAtWillInit(t *testing.T) {
	l := newTestLayer(t, 100)
	k0 := testKey(0)

	puts := []struct {
		at lsn.Lsn
		v  value.Value
	}{
		{100, value.Image([]byte("P1"))},
		{110, value.WalRecord([]byte("r1"), false)},
		{120, value.WalRecord([]byte("r2"), true)},
		{130, value.WalRecord([]byte("r3"), false)},
	}
	for _, p := range puts {
		if _, _, err := l.PutValue(k0, p.at, p.v); err != nil {
			t.Fatalf("PutValue(%d): %v", p.at, err)
		}
	}

	var state ReconstructState
	if err := l.GetValueReconstructData(k0, lsn.Range{Start: 100, End: 140}, &state); err != nil {
		t.Fatalf("GetValueReconstructData: %v", err)
	}

	if !state.Done {
		t.Fatal("state.Done = false, want true (WillInit record at 120 should complete reconstruction)")
	}
	if state.Img != nil {
		t.Errorf("state.Img = %v, want nil (image at lsn 100 must not be reached)", state.Img)
	}
	if len(state.Records) != 2 {
		t.Fatalf("len(state.Records) = %d, want 2", len(state.Records))
	}
	if state.Records[0].Lsn != 130 || state.Records[1].Lsn != 120 {
		t.Errorf("Records lsns = [%d,%d], want [130,120] (newest first)", state.Records[0].Lsn, state.Records[1].Lsn)
	}
}

func TestReconstructIncompleteWithoutImageOrWillInit(t *testing.T) {
	l := newTestLayer(t, 100)
	k0 := testKey(0)

	if _, _, err := l.PutValue(k0, 110, value.WalRecord([]byte("r1"), false)); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	var state ReconstructState
	if err := l.GetValueReconstructData(k0, lsn.Range{Start: 100, End: 140}, &state); err != nil {
		t.Fatalf("GetValueReconstructData: %v", err)
	}
	if state.Done {
		t.Error("state.Done = true, want false (no image or WillInit record seen)")
	}
	if len(state.Records) != 1 {
		t.Fatalf("len(state.Records) = %d, want 1", len(state.Records))
	}
}

func TestFreezeTwicePanics(t *testing.T) {
	l := newTestLayer(t, 100)
	l.Freeze(200)

	defer func() {
		if recover() == nil {
			t.Fatal("second Freeze did not panic")
		}
	}()
	l.Freeze(300)
}

func TestFreezeBeforeStartPanics(t *testing.T) {
	l := newTestLayer(t, 100)

	defer func() {
		if recover() == nil {
			t.Fatal("Freeze with end_lsn <= start_lsn did not panic")
		}
	}()
	l.Freeze(100)
}

func TestFreezeWithEntryAtOrAboveEndLsnPanics(t *testing.T) {
	l := newTestLayer(t, 100)
	k0 := testKey(0)
	if _, _, err := l.PutValue(k0, 150, value.Image([]byte("x"))); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Freeze with an indexed entry >= end_lsn did not panic")
		}
	}()
	l.Freeze(150)
}

func TestPutValueAfterFreezeFails(t *testing.T) {
	l := newTestLayer(t, 100)
	l.Freeze(200)

	k0 := testKey(0)
	if _, _, err := l.PutValue(k0, 150, value.Image([]byte("x"))); err == nil {
		t.Fatal("PutValue after Freeze succeeded, want an error")
	}
}

func TestDuplicateLsnOverwritesOffset(t *testing.T) {
	l := newTestLayer(t, 100)
	k0 := testKey(0)

	if _, _, err := l.PutValue(k0, 110, value.Image([]byte("first"))); err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	if _, _, err := l.PutValue(k0, 110, value.Image([]byte("second"))); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	entries := l.EntriesForKey(k0)
	if len(entries) != 1 {
		t.Fatalf("EntriesForKey len = %d, want 1 (duplicate lsn must overwrite, not append)", len(entries))
	}

	var state ReconstructState
	if err := l.GetValueReconstructData(k0, lsn.Range{Start: 100, End: 200}, &state); err != nil {
		t.Fatalf("GetValueReconstructData: %v", err)
	}
	if state.Img == nil || string(state.Img.Bytes) != "second" {
		t.Errorf("reconstructed image = %v, want the later write to have won", state.Img)
	}
}

func TestKeysSortedAscending(t *testing.T) {
	l := newTestLayer(t, 100)
	k0, k1, k2 := testKey(5), testKey(1), testKey(9)
	for _, k := range []key.Key{k0, k1, k2} {
		if _, _, err := l.PutValue(k, 110, value.Image([]byte("x"))); err != nil {
			t.Fatalf("PutValue: %v", err)
		}
	}

	keys := l.Keys()
	if len(keys) != 3 {
		t.Fatalf("Keys() len = %d, want 3", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if !key.Less(keys[i-1], keys[i]) {
			t.Errorf("Keys() not sorted ascending at index %d", i)
		}
	}
}

func TestGetValuesReconstructDataBatched(t *testing.T) {
	l := newTestLayer(t, 100)
	k0, k1, k2 := testKey(0), testKey(1), testKey(2)

	if _, _, err := l.PutValue(k0, 110, value.Image([]byte("img0"))); err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	for _, at := range []lsn.Lsn{115, 120} {
		if _, _, err := l.PutValue(k1, at, value.WalRecord([]byte("rec"), false)); err != nil {
			t.Fatalf("PutValue: %v", err)
		}
	}
	// k2 has no entries in this layer at all.

	var ks key.KeySpace
	ks.Add(key.Range{Start: testKey(0), End: testKey(3)})

	states := map[key.Key]*VectoredKeyState{
		k0: {},
		k1: {},
		k2: {},
	}
	if err := l.GetValuesReconstructData(ks, 200, states); err != nil {
		t.Fatalf("GetValuesReconstructData: %v", err)
	}

	if !states[k0].State.Done || states[k0].State.Img == nil {
		t.Error("k0 should complete with its image")
	}
	if states[k1].State.Done {
		t.Error("k1 has no image or will_init record; must remain incomplete")
	}
	recs := states[k1].State.Records
	if len(recs) != 2 || recs[0].Lsn != 120 || recs[1].Lsn != 115 {
		t.Errorf("k1 records = %v, want lsns [120, 115] newest first", recs)
	}
	for _, k := range []key.Key{k1, k2} {
		st := states[k]
		if st.CachedLsn == nil || *st.CachedLsn != 100 {
			t.Errorf("incomplete key %v must be advanced to the layer's start lsn", k)
		}
	}
}

func TestGetValuesReconstructDataHonorsCachedLsn(t *testing.T) {
	l := newTestLayer(t, 100)
	k0 := testKey(0)

	for _, at := range []lsn.Lsn{110, 120} {
		if _, _, err := l.PutValue(k0, at, value.WalRecord([]byte("rec"), false)); err != nil {
			t.Fatalf("PutValue: %v", err)
		}
	}

	var ks key.KeySpace
	ks.Add(key.Range{Start: testKey(0), End: testKey(1)})

	cached := lsn.Lsn(110)
	states := map[key.Key]*VectoredKeyState{k0: {CachedLsn: &cached}}
	if err := l.GetValuesReconstructData(ks, 200, states); err != nil {
		t.Fatalf("GetValuesReconstructData: %v", err)
	}

	recs := states[k0].State.Records
	if len(recs) != 1 || recs[0].Lsn != 120 {
		t.Errorf("records = %v, want only the entry above the cached lsn", recs)
	}
}
