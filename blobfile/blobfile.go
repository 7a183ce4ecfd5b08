// Copyright 2026 The pageserver Authors
// This file is part of the pageserver library.
//
// The pageserver library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pageserver library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pageserver library. If not, see <http://www.gnu.org/licenses/>.

// Package blobfile implements the append-only, length-prefixed blob
// container that backs every ephemeral and on-disk delta layer. Writers
// append under an internal lock; readers use positional reads and may run
// concurrently with each other and with the single writer.
package blobfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// PageSize is the unit LoadToVec pads its in-memory copy of a blob file
// to. The file on disk is not padded; its length is the bytes written.
const PageSize = 4096

// maxSmallBlob is the largest payload that fits the 1-byte length prefix.
const maxSmallBlob = 127

const (
	flagLargePrefix = 0x80 // top bit of byte 0: 4-byte length prefix follows
	flagCompressed  = 0x40 // second bit: payload is zstd-compressed
	lengthMask      = 0x3fffffff
)

// ErrInvalidPrefix is returned when a blob's length prefix carries an
// unrecognized compression flag.
var ErrInvalidPrefix = fmt.Errorf("blobfile: invalid length prefix")

// compressThreshold is the payload size at or above which writes are offered
// zstd compression; below it the framing overhead isn't worth paying.
const compressThreshold = 512

// File is an append-only blob container. The zero value is not usable; use
// Create or Open.
type File struct {
	f   *os.File
	mu  sync.Mutex // serializes appends; reads need no lock
	len uint64

	enc *zstd.Encoder
}

// Create creates a new, empty blob file at path.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobfile: create: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobfile: zstd encoder: %w", err)
	}
	return &File{f: f, enc: enc}, nil
}

// Open opens an existing blob file for read and further appends, picking up
// length from the current file size.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobfile: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobfile: stat: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobfile: zstd encoder: %w", err)
	}
	return &File{f: f, len: uint64(info.Size()), enc: enc}, nil
}

// WriteBlob appends b, optionally compressed, and returns the offset of its
// length prefix. Safe to call from at most one goroutine at a time per the
// layer's single-writer contract; the internal lock only guards against
// accidental concurrent misuse.
func (bf *File) WriteBlob(b []byte) (uint64, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	payload := b
	compressed := false
	if len(b) >= compressThreshold {
		c := bf.enc.EncodeAll(b, nil)
		if len(c) < len(b) {
			payload = c
			compressed = true
		}
	}

	prefix := encodePrefix(len(payload), compressed)
	offset := bf.len

	if _, err := bf.f.WriteAt(prefix, int64(offset)); err != nil {
		return 0, fmt.Errorf("blobfile: write prefix: %w", err)
	}
	if _, err := bf.f.WriteAt(payload, int64(offset)+int64(len(prefix))); err != nil {
		return 0, fmt.Errorf("blobfile: write payload: %w", err)
	}
	bf.len = offset + uint64(len(prefix)) + uint64(len(payload))
	return offset, nil
}

// ReadBlob reads and decodes the blob whose length prefix starts at offset.
func (bf *File) ReadBlob(offset uint64) ([]byte, error) {
	var head [5]byte
	n, err := bf.f.ReadAt(head[:], int64(offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("blobfile: read prefix: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("blobfile: read prefix: short read")
	}
	size, compressed, prefixLen, err := decodePrefix(head[:n])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if _, err := bf.f.ReadAt(payload, int64(offset)+int64(prefixLen)); err != nil {
		return nil, fmt.Errorf("blobfile: read payload: %w", err)
	}
	if !compressed {
		return payload, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobfile: zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("blobfile: decompress: %w", err)
	}
	return out, nil
}

// WriteAtRaw writes p at an absolute file offset without going through the
// length-prefix framing WriteBlob applies, for callers (the delta layer
// writer's trailer index) that need to append their own self-describing
// structure after the last blob.
func (bf *File) WriteAtRaw(p []byte, off int64) (int, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	n, err := bf.f.WriteAt(p, off)
	if end := uint64(off) + uint64(n); end > bf.len {
		bf.len = end
	}
	return n, err
}

// ReadAt satisfies io.ReaderAt for callers (the vectored reader) that want
// to issue one large positional read spanning several blobs themselves.
func (bf *File) ReadAt(p []byte, off int64) (int, error) {
	return bf.f.ReadAt(p, off)
}

// Len returns the current logical length of the file in bytes.
func (bf *File) Len() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.len
}

// Sync flushes the file to stable storage.
func (bf *File) Sync() error {
	return bf.f.Sync()
}

// Close releases the underlying file descriptor and encoder.
func (bf *File) Close() error {
	bf.enc.Close()
	return bf.f.Close()
}

// LoadToVec reads the whole file into memory, for the "direct" flush read
// back-end (see the flush package). The returned slice is padded with zero
// bytes to a multiple of PageSize.
func (bf *File) LoadToVec() ([]byte, error) {
	bf.mu.Lock()
	length := bf.len
	bf.mu.Unlock()

	padded := ((length + PageSize - 1) / PageSize) * PageSize
	buf := make([]byte, padded)
	if _, err := bf.f.ReadAt(buf[:length], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("blobfile: load to vec: %w", err)
	}
	return buf, nil
}

// DecodeBlobAt decodes the blob whose length prefix starts at offset
// within an in-memory buffer previously produced by LoadToVec, for the
// "direct" flush read backend that avoids a positional read per entry.
func DecodeBlobAt(buf []byte, offset uint64) ([]byte, error) {
	if offset >= uint64(len(buf)) {
		return nil, fmt.Errorf("blobfile: decode at %d: out of range", offset)
	}
	size, compressed, prefixLen, err := decodePrefix(buf[offset:])
	if err != nil {
		return nil, err
	}
	start := offset + uint64(prefixLen)
	end := start + uint64(size)
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("blobfile: decode at %d: payload exceeds buffer", offset)
	}
	payload := buf[start:end]
	if !compressed {
		return payload, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobfile: zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("blobfile: decompress: %w", err)
	}
	return out, nil
}

// encodePrefix builds the length-prefix bytes for a payload of the given
// size, tagging it as compressed when requested.
func encodePrefix(size int, compressed bool) []byte {
	if size <= maxSmallBlob && !compressed {
		return []byte{byte(size)}
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(size)&lengthMask)
	buf[0] |= flagLargePrefix
	if compressed {
		buf[0] |= flagCompressed
	}
	return buf[:]
}

// decodePrefix parses a length prefix from the head of b, returning the
// payload size, whether it is compressed, and how many bytes the prefix
// itself occupied.
func decodePrefix(b []byte) (size int, compressed bool, prefixLen int, err error) {
	if len(b) == 0 {
		return 0, false, 0, fmt.Errorf("blobfile: empty prefix")
	}
	if b[0]&flagLargePrefix == 0 {
		return int(b[0]), false, 1, nil
	}
	if len(b) < 4 {
		return 0, false, 0, fmt.Errorf("blobfile: truncated large prefix")
	}
	flags := b[0] & 0xc0
	if flags != flagLargePrefix && flags != (flagLargePrefix|flagCompressed) {
		return 0, false, 0, ErrInvalidPrefix
	}
	var head [4]byte
	copy(head[:], b[:4])
	head[0] &^= 0xc0
	n := binary.BigEndian.Uint32(head[:])
	return int(n), flags&flagCompressed != 0, 4, nil
}
