package deltalayer

import (
	"bytes"
	"os"
	"testing"

	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/lsn"
)

func tkey(tail uint64) key.Key {
	var k key.Key
	for i := 0; i < 8; i++ {
		k[key.Size-1-i] = byte(tail >> (8 * i))
	}
	return k
}

// TestWriteFinishReadAllRoundTrip reproduces the freeze-then-flush identity
// scenario: an ephemeral layer starting at lsn 100 receiving three puts
// across two keys, frozen at 121, must flush to a historic layer spanning
// the full key range over [100, 121) with exactly those three entries in
// ascending order.
func TestWriteFinishReadAllRoundTrip(t *testing.T) {
	k0, k1 := tkey(0), tkey(1)
	dir := t.TempDir()

	w, err := NewWriter(dir, key.Min, 100, 121)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	type put struct {
		k  key.Key
		at lsn.Lsn
		b  []byte
		wi bool
	}
	puts := []put{
		{k0, 110, []byte("b_a"), false},
		{k0, 120, []byte("b_b"), false},
		{k1, 115, []byte("b_c"), true},
	}
	for _, p := range puts {
		if err := w.PutValueBytes(p.k, p.at, p.b, p.wi); err != nil {
			t.Fatalf("PutValueBytes(%v,%d): %v", p.k, p.at, err)
		}
	}

	layer, err := w.Finish(key.Max)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if layer == nil {
		t.Fatal("Finish returned nil layer for a non-empty writer")
	}
	if layer.Key.KeyRange.Start != key.Min || layer.Key.KeyRange.End != key.Max {
		t.Errorf("KeyRange = %v, want [Min,Max)", layer.Key.KeyRange)
	}
	if layer.Key.LsnRange.Start != 100 || layer.Key.LsnRange.End != 121 {
		t.Errorf("LsnRange = %v, want [100,121)", layer.Key.LsnRange)
	}

	entries, err := ReadAll(layer.Path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadAll returned %d entries, want 3", len(entries))
	}
	want := []struct {
		k  key.Key
		l  lsn.Lsn
		b  []byte
		wi bool
	}{
		{k0, 110, []byte("b_a"), false},
		{k0, 120, []byte("b_b"), false},
		{k1, 115, []byte("b_c"), true},
	}
	for i, e := range entries {
		if e.Key != want[i].k || e.Lsn != want[i].l || !bytes.Equal(e.Bytes, want[i].b) || e.WillInit != want[i].wi {
			t.Errorf("entry %d = %+v, want key=%v lsn=%d bytes=%q willInit=%v", i, e, want[i].k, want[i].l, want[i].b, want[i].wi)
		}
	}
}

func TestFinishOnEmptyWriterReturnsNil(t *testing.T) {
	w, err := NewWriter(t.TempDir(), key.Min, 100, 200)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	layer, err := w.Finish(key.Max)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if layer != nil {
		t.Errorf("Finish on empty writer = %v, want nil", layer)
	}
}

func TestPutValueBytesRejectsOutOfOrder(t *testing.T) {
	w, err := NewWriter(t.TempDir(), key.Min, 100, 200)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	k0, k1 := tkey(0), tkey(1)
	if err := w.PutValueBytes(k1, 110, []byte("x"), false); err != nil {
		t.Fatalf("PutValueBytes: %v", err)
	}
	if err := w.PutValueBytes(k0, 120, []byte("y"), false); err == nil {
		t.Fatal("PutValueBytes with a smaller key after a larger one: want error")
	}
}

func TestPutValueBytesRejectsOutOfRangeLsn(t *testing.T) {
	w, err := NewWriter(t.TempDir(), key.Min, 100, 200)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.PutValueBytes(tkey(0), 99, []byte("x"), false); err == nil {
		t.Fatal("PutValueBytes before start_lsn: want error")
	}
	if err := w.PutValueBytes(tkey(0), 200, []byte("x"), false); err == nil {
		t.Fatal("PutValueBytes at end_lsn: want error")
	}
}

func TestAbortRemovesTempFile(t *testing.T) {
	w, err := NewWriter(t.TempDir(), key.Min, 100, 200)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.PutValueBytes(tkey(0), 110, []byte("x"), false); err != nil {
		t.Fatalf("PutValueBytes: %v", err)
	}
	w.Abort()
	if _, err := os.Stat(w.tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file %s still present after Abort (stat err = %v)", w.tmpPath, err)
	}
	// A second Abort must be a safe no-op rather than double-closing.
	w.Abort()
}
