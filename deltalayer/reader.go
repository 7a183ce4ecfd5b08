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

package deltalayer

import (
	"encoding/binary"
	"fmt"

	"github.com/pageserver/pageserver/blobfile"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/lsn"
)

// Entry is one decoded (key, lsn, value bytes, will_init) record read back
// from a finished delta layer. Exported for tests and for flush round-trip
// verification; full historic-layer reconstruction reads (consulting these
// during a page read) are the compaction/read tier's job, not handled here.
type Entry struct {
	Key      key.Key
	Lsn      lsn.Lsn
	Bytes    []byte
	WillInit bool
}

// ReadAll opens the delta layer file at path and returns every entry it
// contains, in the ascending (Key, Lsn) order Writer wrote them in.
func ReadAll(path string) ([]Entry, error) {
	f, err := blobfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deltalayer: open: %w", err)
	}
	defer f.Close()

	length := f.Len()
	if length < 16 {
		return nil, fmt.Errorf("deltalayer: %s: too short for a footer", path)
	}
	var footer [16]byte
	if _, err := f.ReadAt(footer[:], int64(length)-16); err != nil {
		return nil, fmt.Errorf("deltalayer: read footer: %w", err)
	}
	indexOffset := binary.BigEndian.Uint64(footer[:8])
	count := binary.BigEndian.Uint64(footer[8:])

	index := make([]byte, count*entrySize)
	if len(index) > 0 {
		if _, err := f.ReadAt(index, int64(indexOffset)); err != nil {
			return nil, fmt.Errorf("deltalayer: read index: %w", err)
		}
	}

	out := make([]Entry, count)
	for i := uint64(0); i < count; i++ {
		buf := index[i*entrySize : (i+1)*entrySize]
		var k key.Key
		copy(k[:], buf[:key.Size])
		l := lsn.Lsn(binary.BigEndian.Uint64(buf[key.Size:]))
		offset := binary.BigEndian.Uint64(buf[key.Size+8:])
		willInit := buf[key.Size+16] != 0

		raw, err := f.ReadBlob(offset)
		if err != nil {
			return nil, fmt.Errorf("deltalayer: read blob at %d: %w", offset, err)
		}
		out[i] = Entry{Key: k, Lsn: l, Bytes: raw, WillInit: willInit}
	}
	return out, nil
}
