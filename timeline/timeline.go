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

// Package timeline wires one timeline's layer manager, ephemeral write
// path, and page-reconstruction read path together: the glue the rest of
// the engine's packages are deliberately silent about, since each of them
// (layer manager, ephemeral layer, flush worker) is specified and tested
// independently.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pageserver/pageserver/catalog"
	"github.com/pageserver/pageserver/flush"
	"github.com/pageserver/pageserver/inmemorylayer"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/layermap"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/lsn"
	"github.com/pageserver/pageserver/resourcemgr"
	"github.com/pageserver/pageserver/value"
)

// FreezeAgeDefault is how long an open layer may sit without a freeze
// before the age-based ticker forces one: age is the idle-path freeze
// trigger, since an idle timeline otherwise never crosses the size
// threshold.
const FreezeAgeDefault = 10 * time.Minute

// Timeline owns one timeline's layer manager and write-path bookkeeping.
// Reads are lock-free except for a brief per-layer shared lock inside
// inmemorylayer; writes serialize only on the layer manager's pointer
// mutations and the ephemeral layer's own writer lock.
type Timeline struct {
	Manager *layermap.Manager
	Catalog *catalog.Catalog // optional; nil disables restart-surviving persistence
	acct    *resourcemgr.Accountant

	mu            sync.Mutex
	lastRecordLsn lsn.Lsn
	lastFreezeAt  lsn.Lsn
	maxLayerSize  uint64 // soft per-layer byte budget; 0 disables
	freezeAge     time.Duration
}

// New creates a timeline rooted at dir for new ephemeral layer files,
// starting its first open layer at startLsn. cat may be nil, in which case
// installed historic layers are tracked only in memory and do not survive
// a restart.
func New(dir string, startLsn lsn.Lsn, acct *resourcemgr.Accountant, maxLayerSize uint64, cat *catalog.Catalog) *Timeline {
	mgr := layermap.New(dir, acct)
	mgr.SetNextOpenLayerAt(startLsn)
	return &Timeline{
		Manager:      mgr,
		Catalog:      cat,
		acct:         acct,
		lastFreezeAt: startLsn,
		maxLayerSize: maxLayerSize,
		freezeAge:    FreezeAgeDefault,
	}
}

// LoadHistoricFromCatalog repopulates the layer manager's historic set from
// the durable catalog, for use right after New on process restart, before
// any writes or flushes are accepted.
func (t *Timeline) LoadHistoricFromCatalog() error {
	if t.Catalog == nil {
		return nil
	}
	layers, err := t.Catalog.LoadAll()
	if err != nil {
		return fmt.Errorf("timeline: load historic layers from catalog: %w", err)
	}
	for _, l := range layers {
		if err := t.Manager.FinishCompactL0(nil, []*layermap.HistoricLayer{l}); err != nil {
			return fmt.Errorf("timeline: install catalog layer %s: %w", l.Key, err)
		}
	}
	return nil
}

// Put ingests one (Key, LSN, Value) write, opening a new ephemeral layer
// if needed, and proactively freezes the layer when either the global
// resource accountant's back-pressure suggestion or this timeline's own
// per-layer size budget is exceeded.
func (t *Timeline) Put(k key.Key, at lsn.Lsn, v value.Value) error {
	layer, err := t.Manager.GetLayerForWrite(at, t.currentLastRecordLsn())
	if err != nil {
		return err
	}
	suggested, hasSuggestion, err := layer.PutValue(k, at, v)
	if err != nil {
		return err
	}
	t.setLastRecordLsn(at)

	// The accountant only hands back a suggestion once the process-wide
	// total is over budget; every layer above the suggested per-layer
	// ceiling then becomes a freeze candidate on its next
	// publish, pacing back-pressure evenly instead of freezing whichever
	// layer happened to write last. t.maxLayerSize is this timeline's own
	// unconditional ceiling, independent of global back-pressure.
	limit := t.maxLayerSize
	if hasSuggestion && (limit == 0 || suggested < limit) {
		limit = suggested
	}
	if limit > 0 && layer.Size() > limit {
		log.Debug("ephemeral layer over size ceiling, freezing", "start_lsn", layer.StartLsn(), "size", layer.Size(), "limit", limit)
		t.TryFreeze(at)
	}
	return nil
}

// TryFreeze freezes the currently-open layer (if any) at end_lsn = at+1
// and enqueues it for flush. Safe to call speculatively; a no-op when
// there is nothing open returns cleanly.
func (t *Timeline) TryFreeze(at lsn.Lsn) *inmemorylayer.Layer {
	t.mu.Lock()
	defer t.mu.Unlock()
	frozen, endLsn := t.Manager.TryFreezeInMemoryLayer(at, &t.lastFreezeAt)
	if frozen != nil {
		log.Info("froze ephemeral layer", "start_lsn", frozen.StartLsn(), "end_lsn", endLsn)
	}
	return frozen
}

func (t *Timeline) currentLastRecordLsn() lsn.Lsn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRecordLsn
}

func (t *Timeline) setLastRecordLsn(at lsn.Lsn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at > t.lastRecordLsn {
		t.lastRecordLsn = at
	}
}

// RunAgeTicker periodically freezes the open layer once it has been open
// longer than freezeAge, even if it never crossed a size threshold --
// necessary because a quiet timeline would otherwise never flush,
// stranding its ephemeral file across a long-idle period.
func (t *Timeline) RunAgeTicker(stop <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.freezeByAge(now)
		}
	}
}

// freezeByAge freezes the open layer if it has been open longer than
// freezeAge. The freeze point is the newest ingested LSN, so end_lsn lands
// above every indexed entry; a layer that never received a write is frozen
// at its own start instead.
func (t *Timeline) freezeByAge(now time.Time) bool {
	snap := t.Manager.Snapshot()
	if snap.Open == nil || now.Sub(snap.Open.OpenedAt()) < t.freezeAge {
		return false
	}
	at := t.currentLastRecordLsn()
	if start := snap.Open.StartLsn(); at < start {
		at = start
	}
	return t.TryFreeze(at) != nil
}

// Get reconstructs the materials needed to rebuild k as of lsn (exclusive
// upper bound), walking the open layer, then frozen layers newest-first,
// stopping at the first Image or will_init record. If every in-memory
// layer is exhausted without completing, state.Done remains false: the
// caller must continue into historic (on-disk) layers, whose read path
// lives with the compaction tier.
func (t *Timeline) Get(k key.Key, upto lsn.Lsn) (*inmemorylayer.ReconstructState, error) {
	snap := t.Manager.Snapshot()
	state := &inmemorylayer.ReconstructState{}

	layers := make([]*inmemorylayer.Layer, 0, len(snap.Frozen)+1)
	if snap.Open != nil {
		layers = append(layers, snap.Open)
	}
	for i := len(snap.Frozen) - 1; i >= 0; i-- {
		layers = append(layers, snap.Frozen[i])
	}

	for _, layer := range layers {
		rng := lsn.Range{Start: layer.StartLsn(), End: upto}
		if err := layer.GetValueReconstructData(k, rng, state); err != nil {
			return nil, fmt.Errorf("timeline: get %v: %w", k, err)
		}
		if state.Done {
			return state, nil
		}
	}
	return state, nil
}

// DrainOne flushes the oldest queued frozen layer through w, then records
// the result (if any) in the timeline's catalog so it survives a restart.
// A catalog write failure does not unwind the flush: the layer is already
// installed in the in-memory map and readable, but it has no catalog entry,
// so LoadHistoricFromCatalog does not restore it after a restart; the
// failure is logged and the catalog write is not retried.
func (t *Timeline) DrainOne(ctx context.Context, w *flush.Worker) (*layermap.HistoricLayer, error) {
	produced, err := w.DrainOne(ctx, nil)
	if err != nil || produced == nil || t.Catalog == nil {
		return produced, err
	}
	if err := t.Catalog.Put(produced); err != nil {
		log.Error("failed to persist flushed layer to catalog", "layer", produced.Key, "err", err)
	}
	return produced, nil
}

// FlushForever runs w's drain loop until stop is closed, persisting each
// produced layer to the timeline's catalog.
func (t *Timeline) FlushForever(w *flush.Worker, stop <-chan struct{}, idlePoll time.Duration) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		layer, err := t.DrainOne(context.Background(), w)
		if err != nil {
			log.Error("flush failed, frozen layer stays queued for retry", "err", err)
		}
		if layer == nil && err == nil {
			select {
			case <-time.After(idlePoll):
			case <-stop:
				return
			}
		}
	}
}
