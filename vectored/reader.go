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

package vectored

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	flagLargePrefix = 0x80
	flagCompressed  = 0x40
	lengthMask      = 0x3fffffff
)

// ErrInvalidPrefix mirrors blobfile.ErrInvalidPrefix; kept local so this
// package doesn't need to import blobfile just for a sentinel.
var ErrInvalidPrefix = fmt.Errorf("vectored: invalid length prefix")

// Blob is a decoded blob's location within the shared output buffer
// produced by ReadBlobs, plus the metadata identifying which request it
// satisfies.
type Blob struct {
	Start, End int
	Meta       BlobMeta
}

// ReadBlobs executes one VectoredRead against src with a single positional
// read, then decodes each blob's length prefix and optional zstd payload
// into buf, which is grown as needed. It returns the decoded blobs in the
// same order as r.Blobs.
func ReadBlobs(src io.ReaderAt, r VectoredRead, dec *zstd.Decoder) ([]byte, []Blob, error) {
	raw := make([]byte, r.Size())
	if _, err := src.ReadAt(raw, int64(r.Start)); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("vectored: read range: %w", err)
	}

	buf := make([]byte, 0, r.Size())
	blobs := make([]Blob, 0, len(r.Blobs))

	for _, b := range r.Blobs {
		local := raw[b.Offset-r.Start : b.End-r.Start]
		size, compressed, prefixLen, err := decodePrefix(local)
		if err != nil {
			return nil, nil, err
		}
		payload := local[prefixLen : prefixLen+size]

		start := len(buf)
		if !compressed {
			buf = append(buf, payload...)
		} else {
			if dec == nil {
				var derr error
				dec, derr = zstd.NewReader(nil)
				if derr != nil {
					return nil, nil, fmt.Errorf("vectored: zstd decoder: %w", derr)
				}
				defer dec.Close()
			}
			out, derr := dec.DecodeAll(payload, nil)
			if derr != nil {
				return nil, nil, fmt.Errorf("vectored: decompress: %w", derr)
			}
			buf = append(buf, out...)
		}
		blobs = append(blobs, Blob{Start: start, End: len(buf), Meta: b.Meta})
	}
	return buf, blobs, nil
}

func decodePrefix(b []byte) (size int, compressed bool, prefixLen int, err error) {
	if len(b) == 0 {
		return 0, false, 0, fmt.Errorf("vectored: empty prefix")
	}
	if b[0]&flagLargePrefix == 0 {
		return int(b[0]), false, 1, nil
	}
	if len(b) < 4 {
		return 0, false, 0, fmt.Errorf("vectored: truncated large prefix")
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
