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

// Package deltalayer writes the L0 delta layer an ephemeral layer flushes
// into: an immutable on-disk file covering one LSN range over the full key
// range. The engine treats the wire format of a *consumed* delta layer as
// a black box; this package owns the producing side, since something has
// to actually persist what a flush read out of an ephemeral layer's index.
package deltalayer

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pageserver/pageserver/blobfile"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/layermap"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/lsn"
)

// entry is one (key, lsn) -> blob location record, written to the trailer
// index in ascending (Key, Lsn) order -- the same order Writer requires
// PutValueBytes to be called in.
type entry struct {
	key      key.Key
	lsn      lsn.Lsn
	offset   uint64
	willInit bool
}

const entrySize = key.Size + 8 + 8 + 1

// Writer accumulates (key, lsn, value) triples for a single flush and
// produces one immutable delta layer file. Entries must arrive in
// ascending (Key, Lsn) order, matching how a flush iterates an ephemeral
// layer's index; Writer does not re-sort.
type Writer struct {
	tmpPath   string
	finalPath string
	file      *blobfile.File

	startLsn lsn.Lsn
	endLsn   lsn.Lsn
	startKey key.Key

	entries []entry
	lastKey *key.Key
	lastLsn lsn.Lsn

	closed bool
}

// NewWriter opens a new delta layer writer scoped to [startLsn, endLsn)
// over keys starting at startKey (callers finalize with key.Max, since L0
// layers always span the full key range). The file is created at a
// temporary path inside dir; Finish renames it into place so a crash
// mid-write never exposes a partial layer.
func NewWriter(dir string, startKey key.Key, startLsn, endLsn lsn.Lsn) (*Writer, error) {
	if !(startLsn < endLsn) {
		return nil, fmt.Errorf("deltalayer: NewWriter: start_lsn %s must be < end_lsn %s", startLsn, endLsn)
	}
	name := fmt.Sprintf("%016x-%016x-l0", uint64(startLsn), uint64(endLsn))
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	os.Remove(tmpPath)
	f, err := blobfile.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("deltalayer: create temp file: %w", err)
	}
	return &Writer{
		tmpPath:   tmpPath,
		finalPath: finalPath,
		file:      f,
		startLsn:  startLsn,
		endLsn:    endLsn,
		startKey:  startKey,
	}, nil
}

// PutValueBytes appends one encoded value (as produced by value.Encode) at
// (k, at), rejecting entries outside [startLsn, endLsn) or out of order.
func (w *Writer) PutValueBytes(k key.Key, at lsn.Lsn, bytes []byte, willInit bool) error {
	if at < w.startLsn || at >= w.endLsn {
		return fmt.Errorf("deltalayer: put_value_bytes: lsn %s outside [%s, %s)", at, w.startLsn, w.endLsn)
	}
	if w.lastKey != nil {
		if key.Less(k, *w.lastKey) || (k == *w.lastKey && at < w.lastLsn) {
			return fmt.Errorf("deltalayer: put_value_bytes: entries must arrive in ascending (key, lsn) order")
		}
	}
	offset, err := w.file.WriteBlob(bytes)
	if err != nil {
		return fmt.Errorf("deltalayer: write blob: %w", err)
	}
	w.entries = append(w.entries, entry{key: k, lsn: at, offset: offset, willInit: willInit})
	kk := k
	w.lastKey, w.lastLsn = &kk, at
	return nil
}

// Finish writes the trailer index, fsyncs, and atomically renames the
// temp file into its final path, returning the catalog record for the
// produced layer. endKey is almost always key.Max: L0 delta layers are
// identified by the full key range.
func (w *Writer) Finish(endKey key.Key) (*layermap.HistoricLayer, error) {
	if w.closed {
		return nil, fmt.Errorf("deltalayer: Finish called twice")
	}
	w.closed = true

	if len(w.entries) == 0 {
		w.file.Close()
		os.Remove(w.tmpPath)
		return nil, nil
	}

	indexOffset := w.file.Len()
	index := make([]byte, len(w.entries)*entrySize)
	for i, e := range w.entries {
		buf := index[i*entrySize : (i+1)*entrySize]
		copy(buf[:key.Size], e.key[:])
		binary.BigEndian.PutUint64(buf[key.Size:], uint64(e.lsn))
		binary.BigEndian.PutUint64(buf[key.Size+8:], e.offset)
		if e.willInit {
			buf[key.Size+16] = 1
		}
	}
	if _, err := w.file.WriteAtRaw(index, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("deltalayer: write index: %w", err)
	}

	var footer [16]byte
	binary.BigEndian.PutUint64(footer[:8], indexOffset)
	binary.BigEndian.PutUint64(footer[8:], uint64(len(w.entries)))
	footerOffset := indexOffset + uint64(len(index))
	if _, err := w.file.WriteAtRaw(footer[:], int64(footerOffset)); err != nil {
		return nil, fmt.Errorf("deltalayer: write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("deltalayer: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("deltalayer: close: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return nil, fmt.Errorf("deltalayer: publish: %w", err)
	}

	size := indexOffset + uint64(len(w.entries))*entrySize + 16
	log.Info("flushed L0 delta layer", "path", w.finalPath, "entries", len(w.entries), "bytes", size,
		"start_lsn", w.startLsn, "end_lsn", w.endLsn)

	return &layermap.HistoricLayer{
		Key: layermap.LayerKey{
			KeyRange: key.Range{Start: w.startKey, End: endKey},
			LsnRange: lsn.Range{Start: w.startLsn, End: w.endLsn},
		},
		Path: w.finalPath,
		Size: size,
	}, nil
}

// Abort discards a writer that will never be finished, e.g. because the
// flush failed partway through. The temp file is removed so it never
// competes for the final path; the frozen layer stays queued for retry.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.tmpPath)
}
