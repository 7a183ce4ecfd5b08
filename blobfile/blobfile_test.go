package blobfile

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte("a"), maxSmallBlob),        // largest 1-byte-prefix payload
		bytes.Repeat([]byte("b"), maxSmallBlob+1),      // smallest 4-byte-prefix payload
		bytes.Repeat([]byte("c"), compressThreshold+1), // crosses the compression threshold
	}

	offsets := make([]uint64, len(payloads))
	for i, p := range payloads {
		off, err := f.WriteBlob(p)
		if err != nil {
			t.Fatalf("WriteBlob(%d): %v", i, err)
		}
		offsets[i] = off
	}

	for i, p := range payloads {
		got, err := f.ReadBlob(offsets[i])
		if err != nil {
			t.Fatalf("ReadBlob(%d): %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("ReadBlob(%d) = %d bytes, want %d bytes", i, len(got), len(p))
		}
	}
}

func TestOpenPicksUpExistingLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	off, err := f.WriteBlob([]byte("hello"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f2.Close()

	got, err := f2.ReadBlob(off)
	if err != nil {
		t.Fatalf("ReadBlob after reopen: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadBlob after reopen = %q, want %q", got, "hello")
	}

	off2, err := f2.WriteBlob([]byte("world"))
	if err != nil {
		t.Fatalf("WriteBlob after reopen: %v", err)
	}
	if off2 <= off {
		t.Errorf("append after reopen did not continue from prior length: off=%d off2=%d", off, off2)
	}
}

func TestLoadToVecAndDecodeBlobAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	r := rand.New(rand.NewSource(1))
	var payloads [][]byte
	var offsets []uint64
	for i := 0; i < 20; i++ {
		p := make([]byte, r.Intn(1000))
		r.Read(p)
		off, err := f.WriteBlob(p)
		if err != nil {
			t.Fatalf("WriteBlob: %v", err)
		}
		payloads = append(payloads, p)
		offsets = append(offsets, off)
	}

	buf, err := f.LoadToVec()
	if err != nil {
		t.Fatalf("LoadToVec: %v", err)
	}
	if uint64(len(buf))%PageSize != 0 {
		t.Errorf("LoadToVec buffer is not page-padded: len=%d", len(buf))
	}

	for i, off := range offsets {
		got, err := DecodeBlobAt(buf, off)
		if err != nil {
			t.Fatalf("DecodeBlobAt(%d): %v", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Errorf("DecodeBlobAt(%d) mismatch", i)
		}
	}
}

func TestWriteAtRawExtendsLen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	off, err := f.WriteBlob([]byte("abc"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	before := f.Len()

	trailer := []byte("trailer-bytes")
	if _, err := f.WriteAtRaw(trailer, int64(before)); err != nil {
		t.Fatalf("WriteAtRaw: %v", err)
	}
	if f.Len() != before+uint64(len(trailer)) {
		t.Errorf("Len after WriteAtRaw = %d, want %d", f.Len(), before+uint64(len(trailer)))
	}

	readBack := make([]byte, len(trailer))
	if _, err := f.ReadAt(readBack, int64(before)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(readBack, trailer) {
		t.Errorf("ReadAt after WriteAtRaw = %q, want %q", readBack, trailer)
	}
	_ = off
}

func TestDecodePrefixTruncated(t *testing.T) {
	// A large-prefix marker with fewer than 4 bytes available is truncated,
	// not a validly-flagged small blob.
	_, _, _, err := decodePrefix([]byte{flagLargePrefix, 0})
	if err == nil {
		t.Fatal("decodePrefix: want error on truncated large prefix, got nil")
	}
}
