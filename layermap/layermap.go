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

// Package layermap is the per-timeline authority over which ephemeral layer
// is open for writes, which are frozen and queued for flush, and which
// on-disk historic layers are currently installed. It owns the
// single-open-layer invariant and the freeze/flush handoff; every mutation
// to the map itself is a short pointer-shuffle under one mutex, never held
// across I/O.
package layermap

import (
	"fmt"
	"sync"

	"github.com/pageserver/pageserver/inmemorylayer"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/resourcemgr"
)

// Generation distinguishes historic layers that otherwise cover the same
// key/LSN range, e.g. after a rewrite produces a replacement with a new
// on-disk identity.
type Generation uint64

// LayerKey identifies one historic layer by the range it covers plus a
// generation counter, so a rewrite never collides with the layer it
// replaces.
type LayerKey struct {
	KeyRange   key.Range
	LsnRange   lsn.Range
	Generation Generation
}

func (k LayerKey) String() string {
	return fmt.Sprintf("%x-%x@%s-%s#%d", k.KeyRange.Start, k.KeyRange.End, k.LsnRange.Start, k.LsnRange.End, k.Generation)
}

// HistoricLayer is the map's record of one persisted, immutable layer.
// Reading its contents is the delta-layer reader's job; the map only needs
// enough to select and catalog layers.
type HistoricLayer struct {
	Key  LayerKey
	Path string // local filesystem path of the finished layer file
	Size uint64
}

// Map is the raw per-timeline layer state. Exported for callers (e.g. the
// timeline's read and age-freeze paths) that need a snapshot; all mutation goes through Manager.
type Map struct {
	Open            *inmemorylayer.Layer
	Frozen          []*inmemorylayer.Layer // FIFO, oldest at index 0
	Historic        map[LayerKey]*HistoricLayer
	NextOpenLayerAt *lsn.Lsn
}

// Manager owns one timeline's Map. All pointer-shuffling operations take
// mu; none of them perform I/O while holding it.
type Manager struct {
	mu   sync.Mutex
	m    Map
	dir  string // directory new ephemeral layer files are created in
	acct *resourcemgr.Accountant

	nextFileID uint64
}

// New creates an empty layer manager rooted at dir, whose ephemeral layer
// files are accounted against acct.
func New(dir string, acct *resourcemgr.Accountant) *Manager {
	return &Manager{
		dir:  dir,
		acct: acct,
		m:    Map{Historic: make(map[LayerKey]*HistoricLayer)},
	}
}

// Snapshot returns a shallow copy of the current map for read-only
// inspection (e.g. by a read path selecting layers to consult).
func (m *Manager) Snapshot() Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	historic := make(map[LayerKey]*HistoricLayer, len(m.m.Historic))
	for k, v := range m.m.Historic {
		historic[k] = v
	}
	frozen := append([]*inmemorylayer.Layer(nil), m.m.Frozen...)
	return Map{Open: m.m.Open, Frozen: frozen, Historic: historic, NextOpenLayerAt: m.m.NextOpenLayerAt}
}

// SetNextOpenLayerAt seeds the LSN the next open layer will start at, e.g.
// when a timeline is created or reloaded from the catalog with no open
// layer yet.
func (m *Manager) SetNextOpenLayerAt(at lsn.Lsn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m.NextOpenLayerAt = &at
}

// GetLayerForWrite returns the layer a write at lsn should land in,
// creating a new open layer if none exists. lsn must be 8-byte aligned and
// strictly greater than lastRecordLsn (the WAL ingester's own invariant).
func (m *Manager) GetLayerForWrite(at, lastRecordLsn lsn.Lsn) (*inmemorylayer.Layer, error) {
	if !at.Aligned() {
		return nil, fmt.Errorf("layermap: get_layer_for_write: lsn %s is not 8-byte aligned", at)
	}
	if at <= lastRecordLsn {
		return nil, fmt.Errorf("layermap: get_layer_for_write: lsn %s <= last_record_lsn %s", at, lastRecordLsn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m.Open != nil {
		if at < m.m.Open.StartLsn() {
			return nil, fmt.Errorf("layermap: get_layer_for_write: lsn %s precedes open layer start %s", at, m.m.Open.StartLsn())
		}
		return m.m.Open, nil
	}

	if m.m.NextOpenLayerAt == nil {
		return nil, fmt.Errorf("layermap: get_layer_for_write: no open layer and next_open_layer_at unset")
	}
	start := *m.m.NextOpenLayerAt

	path := m.newEphemeralPath()
	layer, err := inmemorylayer.New(path, start, m.acct)
	if err != nil {
		return nil, fmt.Errorf("layermap: create ephemeral layer: %w", err)
	}
	m.m.Open = layer
	m.m.NextOpenLayerAt = nil
	log.Info("opened new ephemeral layer", "start_lsn", start, "path", path)
	return layer, nil
}

func (m *Manager) newEphemeralPath() string {
	m.nextFileID++
	return fmt.Sprintf("%s/ephemeral-%016x.blob", m.dir, m.nextFileID)
}

// TryFreezeInMemoryLayer freezes the current open layer, if any, at
// end_lsn = at+1, moves it to the back of the frozen queue, and arranges
// for the next write to open a fresh layer starting at end_lsn. It always
// advances last_freeze_at to end_lsn, even when there was no open layer to
// freeze (a sharded timeline can see LSN ranges with no local data).
//
// The returned layer is non-nil iff a freeze actually happened; callers
// that thread a writer guard through here must hold no guard when nothing
// froze.
func (m *Manager) TryFreezeInMemoryLayer(at lsn.Lsn, lastFreezeAt *lsn.Lsn) (frozen *inmemorylayer.Layer, endLsn lsn.Lsn) {
	endLsn = at + 1

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m.Open != nil {
		m.m.Open.Freeze(endLsn)
		frozen = m.m.Open
		m.m.Frozen = append(m.m.Frozen, frozen)
		m.m.Open = nil
	}
	m.m.NextOpenLayerAt = &endLsn
	if lastFreezeAt != nil {
		*lastFreezeAt = endLsn
	}
	return frozen, endLsn
}

// OldestFrozen returns the frozen layer at the front of the FIFO queue, the
// one a flush worker should drain next, or nil if none are queued.
func (m *Manager) OldestFrozen() *inmemorylayer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.m.Frozen) == 0 {
		return nil
	}
	return m.m.Frozen[0]
}

// FinishFlushL0Layer pops the oldest frozen layer -- asserting by pointer
// identity that it is the layer the caller actually flushed, enforcing
// "at most one task may be flushing a given frozen layer" -- and installs
// the produced historic layer, if any (an empty frozen layer flushes to
// nothing and is simply dropped).
func (m *Manager) FinishFlushL0Layer(produced *HistoricLayer, expectedFrozen *inmemorylayer.Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.m.Frozen) == 0 {
		return fmt.Errorf("layermap: finish_flush_l0_layer: no frozen layer queued")
	}
	if m.m.Frozen[0] != expectedFrozen {
		// Programmer error: two tasks raced to flush the same layer, or the
		// queue was mutated out from under the flush worker.
		panic("layermap: finish_flush_l0_layer: frozen layer identity mismatch")
	}
	m.m.Frozen = m.m.Frozen[1:]
	if produced != nil {
		m.m.Historic[produced.Key] = produced
	}
	return nil
}

// FinishCompactL0 atomically replaces a set of historic layers with their
// compacted replacements. No layer is ever rewritten in place: removed and
// inserted must have distinct LayerKeys (distinct Generation at minimum).
func (m *Manager) FinishCompactL0(remove []LayerKey, insert []*HistoricLayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removeSet := make(map[LayerKey]struct{}, len(remove))
	for _, k := range remove {
		removeSet[k] = struct{}{}
	}
	for _, ins := range insert {
		if _, clash := removeSet[ins.Key]; clash {
			return fmt.Errorf("layermap: finish_compact_l0: replacement %s reuses a removed layer's identity", ins.Key)
		}
		if _, exists := m.m.Historic[ins.Key]; exists {
			return fmt.Errorf("layermap: finish_compact_l0: replacement %s collides with an existing layer", ins.Key)
		}
	}
	for _, k := range remove {
		delete(m.m.Historic, k)
	}
	for _, ins := range insert {
		m.m.Historic[ins.Key] = ins
	}
	return nil
}

// RewriteLayers is FinishCompactL0 under the GC path's name for the same
// operation: replace a set of historic layers (e.g. after removing
// garbage-collected key ranges) with freshly written ones covering the
// same logical span but a new on-disk identity.
func (m *Manager) RewriteLayers(remove []LayerKey, insert []*HistoricLayer) error {
	return m.FinishCompactL0(remove, insert)
}

// FinishGCTimeline removes a set of historic layers with no replacement,
// e.g. layers fully superseded by an image layer.
func (m *Manager) FinishGCTimeline(remove []LayerKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range remove {
		delete(m.m.Historic, k)
	}
}
