package vectored

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pageserver/pageserver/blobfile"
	"github.com/pageserver/pageserver/lsn"
)

func TestReadBlobsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := blobfile.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	// A small blob (1-byte prefix), a 200-byte blob and a large
	// incompressible blob (both 4-byte prefix, stored uncompressed) and a
	// compressible one big enough to actually be compressed on disk.
	r := rand.New(rand.NewSource(7))
	incompressible := make([]byte, 2048)
	r.Read(incompressible)
	payloads := [][]byte{
		[]byte("tiny"),
		bytes.Repeat([]byte("z"), 200),
		incompressible,
		bytes.Repeat([]byte("compress me "), 100),
	}

	var offsets []uint64
	for _, p := range payloads {
		off, err := f.WriteBlob(p)
		if err != nil {
			t.Fatalf("WriteBlob: %v", err)
		}
		offsets = append(offsets, off)
	}

	p := NewPlanner(1 << 20)
	k0 := k(0)
	for i, off := range offsets {
		p.Handle(k0, lsn.Lsn(i), off, FlagNone)
	}
	reads := p.HandleRangeEnd(f.Len())
	if len(reads) != 1 {
		t.Fatalf("adjacent blobs under a large max_read_size coalesced into %d reads, want 1", len(reads))
	}

	buf, blobs, err := ReadBlobs(f, reads[0], nil)
	if err != nil {
		t.Fatalf("ReadBlobs: %v", err)
	}
	if len(blobs) != len(payloads) {
		t.Fatalf("got %d blobs, want %d", len(blobs), len(payloads))
	}
	for i, b := range blobs {
		if b.Meta.Lsn != lsn.Lsn(i) {
			t.Errorf("blob %d meta lsn = %d, want %d", i, b.Meta.Lsn, i)
		}
		if !bytes.Equal(buf[b.Start:b.End], payloads[i]) {
			t.Errorf("blob %d payload mismatch: got %d bytes, want %d", i, b.End-b.Start, len(payloads[i]))
		}
	}
}

func TestReadBlobsSplitReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	f, err := blobfile.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	var payloads [][]byte
	var offsets []uint64
	for i := 0; i < 6; i++ {
		p := bytes.Repeat([]byte{byte('a' + i)}, 100)
		off, err := f.WriteBlob(p)
		if err != nil {
			t.Fatalf("WriteBlob: %v", err)
		}
		payloads = append(payloads, p)
		offsets = append(offsets, off)
	}

	// A small max_read_size forces multiple reads; every blob must still
	// come back intact from whichever read it landed in.
	pl := NewPlanner(250)
	k0 := k(0)
	for i, off := range offsets {
		pl.Handle(k0, lsn.Lsn(i), off, FlagNone)
	}
	reads := pl.HandleRangeEnd(f.Len())
	if len(reads) < 2 {
		t.Fatalf("max_read_size=250 over 6 100-byte blobs produced %d reads, want several", len(reads))
	}

	seen := 0
	for _, rd := range reads {
		buf, blobs, err := ReadBlobs(f, rd, nil)
		if err != nil {
			t.Fatalf("ReadBlobs: %v", err)
		}
		for _, b := range blobs {
			want := payloads[b.Meta.Lsn]
			if !bytes.Equal(buf[b.Start:b.End], want) {
				t.Errorf("blob at lsn %d mismatch", b.Meta.Lsn)
			}
			seen++
		}
	}
	if seen != len(payloads) {
		t.Errorf("read back %d blobs across all reads, want %d", seen, len(payloads))
	}
}

func TestDecodePrefixFlagVariants(t *testing.T) {
	size, compressed, n, err := decodePrefix([]byte{0x80, 0, 0, 1})
	if err != nil || size != 1 || compressed || n != 4 {
		t.Fatalf("plain large prefix: size=%d compressed=%v n=%d err=%v", size, compressed, n, err)
	}
	size, compressed, n, err = decodePrefix([]byte{0xc0, 0, 0, 1})
	if err != nil || size != 1 || !compressed || n != 4 {
		t.Fatalf("compressed large prefix: size=%d compressed=%v n=%d err=%v", size, compressed, n, err)
	}
	if _, _, _, err := decodePrefix([]byte{0x80, 0}); err == nil {
		t.Fatal("truncated large prefix: want error")
	}
}
