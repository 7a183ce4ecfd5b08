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

// Package inmemorylayer implements the ephemeral (open/frozen) layer: an
// append-only blob file plus a per-key index from LSN to file offset. One
// writer appends under an exclusive lock; many readers reconstruct pages
// concurrently under a shared lock.
package inmemorylayer

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pageserver/pageserver/blobfile"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/resourcemgr"
	"github.com/pageserver/pageserver/value"
)

// lsnOffset is one entry in a key's VecMap: the LSN a value was written at,
// and where its blob sits in the backing file.
type lsnOffset struct {
	lsn    lsn.Lsn
	offset uint64
}

// Layer is one ephemeral layer: open for writes until Freeze is called
// exactly once, after which it is immutable and only readable.
type Layer struct {
	startLsn lsn.Lsn

	mu       sync.RWMutex
	file     *blobfile.File
	index    map[key.Key][]lsnOffset
	endLsn   *lsn.Lsn // nil until frozen
	openedAt time.Time

	guard *resourcemgr.Guard
}

// New creates a fresh, open ephemeral layer backed by the blob file at
// path, starting at startLsn.
func New(path string, startLsn lsn.Lsn, acct *resourcemgr.Accountant) (*Layer, error) {
	f, err := blobfile.Create(path)
	if err != nil {
		return nil, fmt.Errorf("inmemorylayer: create backing file: %w", err)
	}
	return &Layer{
		startLsn: startLsn,
		file:     f,
		index:    make(map[key.Key][]lsnOffset),
		openedAt: time.Now(),
		guard:    acct.NewGuard(),
	}, nil
}

// StartLsn returns the layer's immutable inclusive start.
func (l *Layer) StartLsn() lsn.Lsn { return l.startLsn }

// EndLsn returns the layer's exclusive end once frozen, or false if still
// open.
func (l *Layer) EndLsn() (lsn.Lsn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.endLsn == nil {
		return 0, false
	}
	return *l.endLsn, true
}

// OpenedAt returns when this layer was created, for age-based freeze
// policies.
func (l *Layer) OpenedAt() time.Time { return l.openedAt }

// Size returns the current size of the backing blob file in bytes.
func (l *Layer) Size() uint64 { return l.file.Len() }

// PutValue appends v's bytes to the backing file and records it in the
// index at (k, at). Fails once the layer is frozen.
func (l *Layer) PutValue(k key.Key, at lsn.Lsn, v value.Value) (suggestedLimit uint64, hasSuggestion bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.endLsn != nil {
		return 0, false, fmt.Errorf("inmemorylayer: put_value on frozen layer")
	}

	offset, err := l.file.WriteBlob(value.Encode(v))
	if err != nil {
		return 0, false, fmt.Errorf("inmemorylayer: write blob: %w", err)
	}

	entries := l.index[k]
	if n := len(entries); n > 0 && entries[n-1].lsn == at {
		log.Warn("inmemorylayer: duplicate LSN for key overwrites offset", "key", k, "lsn", at)
		entries[n-1].offset = offset
	} else {
		l.index[k] = append(entries, lsnOffset{lsn: at, offset: offset})
	}

	suggested, ok := l.guard.MaybePublishSize(l.file.Len())
	return suggested, ok, nil
}

// Freeze sets the layer's exclusive end LSN. It may be called exactly
// once; a second call, or freezing with endLsn <= startLsn, is a
// programmer error and panics rather than returning an error, mirroring
// the single-shot invariants the rest of the engine relies on.
func (l *Layer) Freeze(endLsn lsn.Lsn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.endLsn != nil {
		panic("inmemorylayer: freeze called twice")
	}
	if endLsn <= l.startLsn {
		panic("inmemorylayer: freeze: end_lsn must be greater than start_lsn")
	}
	for k, entries := range l.index {
		if n := len(entries); n > 0 && entries[n-1].lsn >= endLsn {
			panic(fmt.Sprintf("inmemorylayer: freeze: key %v has lsn >= end_lsn", k))
		}
	}
	l.endLsn = &endLsn
}

// IsFrozen reports whether Freeze has been called.
func (l *Layer) IsFrozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.endLsn != nil
}

// Release returns this layer's resources to the global accountant. Call
// once the layer has been flushed (or discarded) and will never be read
// again.
func (l *Layer) Release() {
	l.guard.Release()
}

// Close closes the backing blob file.
func (l *Layer) Close() error {
	return l.file.Close()
}

// LsnOffset is the exported form of one (Lsn, offset) index entry, for
// callers (the flush path) that need to walk a frozen layer's full index
// in order rather than reconstruct a single key's history.
type LsnOffset struct {
	Lsn    lsn.Lsn
	Offset uint64
}

// Keys returns every key this layer has an entry for, sorted ascending.
// Only meaningful to call once the layer is frozen (an open layer's key
// set is still changing).
func (l *Layer) Keys() []key.Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]key.Key, 0, len(l.index))
	for k := range l.index {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return key.Less(out[i], out[j]) })
	return out
}

// EntriesForKey returns k's (Lsn, offset) history in the non-decreasing
// LSN order the writer maintained it in (invariant I5).
func (l *Layer) EntriesForKey(k key.Key) []LsnOffset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.index[k]
	out := make([]LsnOffset, len(entries))
	for i, e := range entries {
		out[i] = LsnOffset{Lsn: e.lsn, Offset: e.offset}
	}
	return out
}

// ReadEncoded reads and decompresses the raw encoded value.Value bytes at
// offset, without decoding the value tag -- the "page-cached" flush
// backend's read primitive, identical to what the live read path uses.
func (l *Layer) ReadEncoded(offset uint64) ([]byte, error) {
	return l.file.ReadBlob(offset)
}

// LoadToVec reads the whole backing file into memory, for the "direct"
// flush read backend.
func (l *Layer) LoadToVec() ([]byte, error) {
	return l.file.LoadToVec()
}

// ReconstructState accumulates the materials needed to rebuild one page:
// at most one base Image, plus zero or more WAL records to replay on top
// of it, newest first.
type ReconstructState struct {
	Img     *value.Value
	Records []ReconstructRecord
	Done    bool
}

// ReconstructRecord pairs a WAL record with the LSN it was written at.
type ReconstructRecord struct {
	Lsn lsn.Lsn
	Rec value.Value
}

// GetValueReconstructData walks k's history backwards over lsnRange,
// appending WAL records to state until it finds an Image or a record with
// WillInit set, at which point state.Done is set and reading may stop
// (older layers need not be consulted). If the layer's history for k is
// exhausted without completing, state.Done remains false and the caller
// must continue into an older layer.
func (l *Layer) GetValueReconstructData(k key.Key, lsnRange lsn.Range, state *ReconstructState) error {
	l.mu.RLock()
	entries := l.index[k]
	l.mu.RUnlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.lsn < lsnRange.Start || e.lsn >= lsnRange.End {
			continue
		}
		v, err := l.readValue(e.offset)
		if err != nil {
			return err
		}
		if v.IsImage() {
			state.Img = &v
			state.Done = true
			return nil
		}
		state.Records = append(state.Records, ReconstructRecord{Lsn: e.lsn, Rec: v})
		if v.WillInit {
			state.Done = true
			return nil
		}
	}
	return nil
}

func (l *Layer) readValue(offset uint64) (value.Value, error) {
	raw, err := l.file.ReadBlob(offset)
	if err != nil {
		return value.Value{}, fmt.Errorf("inmemorylayer: read blob at %d: %w", offset, err)
	}
	return value.Decode(raw)
}

// VectoredKeyState tracks, per key in a batched read, whether reconstruction
// has completed and what's been accumulated so far.
type VectoredKeyState struct {
	State     ReconstructState
	CachedLsn *lsn.Lsn // newest LSN already satisfied by a newer layer, if any
	Err       error
}

// heapEntry orders candidates by (key, lsn, offset) descending so the
// newest entry for a key surfaces first, matching the per-key early
// termination the batched reader relies on.
type heapEntry struct {
	key    key.Key
	lsn    lsn.Lsn
	offset uint64
}

type maxHeap []heapEntry

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return key.Less(h[j].key, h[i].key)
	}
	return h[i].lsn > h[j].lsn
}
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(heapEntry)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// GetValuesReconstructData batches reconstruction across every key in
// keyspace that this layer indexes, up to endLsn, using a max-heap keyed
// by (key, lsn, offset) so that per key the newest entry is visited first
// and a key can complete without waiting on every other key's entries to
// be read.
func (l *Layer) GetValuesReconstructData(keyspace key.KeySpace, endLsn lsn.Lsn, states map[key.Key]*VectoredKeyState) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := &maxHeap{}
	for k, st := range states {
		if st.State.Done {
			continue
		}
		if !keyspace.Contains(k) {
			continue
		}
		entries := l.index[k]
		lo := l.startLsn
		if st.CachedLsn != nil {
			lo = *st.CachedLsn + 1
		}
		for _, e := range entries {
			if e.lsn < lo || e.lsn >= endLsn {
				continue
			}
			heap.Push(h, heapEntry{key: k, lsn: e.lsn, offset: e.offset})
		}
	}

	for h.Len() > 0 {
		e := heap.Pop(h).(heapEntry)
		st := states[e.key]
		if st == nil || st.State.Done {
			continue
		}
		v, err := l.readValue(e.offset)
		if err != nil {
			st.Err = err
			st.State.Done = true
			continue
		}
		if v.IsImage() {
			st.State.Img = &v
			st.State.Done = true
			continue
		}
		st.State.Records = append(st.State.Records, ReconstructRecord{Lsn: e.lsn, Rec: v})
		if v.WillInit {
			st.State.Done = true
		}
	}

	// Every key that is still incomplete has, at minimum, been advanced
	// to this layer's start: there is nothing older than that for the
	// caller to find here.
	for k, st := range states {
		if st.State.Done || !keyspace.Contains(k) {
			continue
		}
		adv := l.startLsn
		if st.CachedLsn == nil || *st.CachedLsn < adv {
			st.CachedLsn = &adv
		}
	}
	return nil
}
