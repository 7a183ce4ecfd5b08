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

// Package resourcemgr tracks, process-wide, how many bytes are sitting in
// not-yet-flushed ephemeral layers. It never blocks a writer; it only hands
// back a suggested per-layer size ceiling once the tracked total crosses a
// configured budget, so callers can decide to freeze early.
package resourcemgr

import (
	"sync/atomic"

	"github.com/pageserver/pageserver/metrics"
)

// driftThreshold bounds how often a guard touches the shared atomics from
// the hot write path; see Guard.MaybePublishSize.
const driftThreshold = 10 * 1 << 20 // 10 MiB

// Accountant is the shared counters behind every live ephemeral layer in
// the process. The zero value is not usable; use New.
type Accountant struct {
	dirtyBytes    atomic.Int64
	dirtyLayers   atomic.Int64
	maxDirtyBytes atomic.Uint64

	bytesGauge  gmGauge
	layersGauge gmGauge
}

// gmGauge is the subset of gometrics.Gauge this package needs, so tests can
// swap in a fake without dragging in the registry.
type gmGauge interface {
	Update(int64)
}

// New builds an Accountant with the given budget. maxDirtyBytes == 0 means
// unlimited: PublishSize never returns a suggestion.
func New(maxDirtyBytes uint64) *Accountant {
	a := &Accountant{
		bytesGauge:  metrics.NewRegisteredGauge("pageserver/ephemeral/dirty_bytes"),
		layersGauge: metrics.NewRegisteredGauge("pageserver/ephemeral/dirty_layers"),
	}
	a.maxDirtyBytes.Store(maxDirtyBytes)
	return a
}

// SetMaxDirtyBytes adjusts the budget at runtime (e.g. from a config
// reload).
func (a *Accountant) SetMaxDirtyBytes(n uint64) {
	a.maxDirtyBytes.Store(n)
}

// DirtyBytes returns the current tracked total. Racy by design; callers
// that need a point-in-time view for metrics or logging should expect it
// to be stale by the time they read it.
func (a *Accountant) DirtyBytes() uint64 { return uint64(a.dirtyBytes.Load()) }

// DirtyLayers returns the number of live guards.
func (a *Accountant) DirtyLayers() int64 { return a.dirtyLayers.Load() }

// Guard is an RAII-style handle tracking one ephemeral layer's contribution
// to the global dirty-byte total. Callers must call Release exactly once
// when the layer stops being dirty (flushed, or discarded).
type Guard struct {
	a           *Accountant
	published   int64
	driftMarker int64
}

// NewGuard registers a new dirty layer and returns its guard.
func (a *Accountant) NewGuard() *Guard {
	a.dirtyLayers.Add(1)
	a.layersGauge.Update(a.dirtyLayers.Load())
	return &Guard{a: a}
}

// PublishSize records the layer's current size and returns a suggested
// per-layer size ceiling when the process-wide total is over budget. The
// suggestion is dirtyBytes/dirtyLayers, which -- applied by every guard on
// its next publish -- pushes above-average layers toward freezing first.
func (g *Guard) PublishSize(size uint64) (suggested uint64, ok bool) {
	delta := int64(size) - g.published
	g.published = int64(size)
	g.driftMarker = int64(size)

	total := g.a.dirtyBytes.Add(delta)
	g.a.bytesGauge.Update(total)

	max := g.a.maxDirtyBytes.Load()
	if max == 0 || uint64(total) <= max {
		return 0, false
	}
	layers := g.a.dirtyLayers.Load()
	if layers <= 0 {
		return 0, false
	}
	// Floored to a whole MiB so the ceiling doesn't thrash on byte-level
	// drift between publishes.
	const mib = 1 << 20
	return uint64(total) / uint64(layers) / mib * mib, true
}

// MaybePublishSize only touches the shared atomics when size has drifted
// from the last published value by more than driftThreshold, keeping the
// write hot path off the global counters most of the time.
func (g *Guard) MaybePublishSize(size uint64) (suggested uint64, ok bool) {
	diff := int64(size) - g.driftMarker
	if diff < 0 {
		diff = -diff
	}
	if diff <= driftThreshold {
		return 0, false
	}
	return g.PublishSize(size)
}

// Release zeroes out this guard's contribution to the shared totals. Safe
// to call at most once; a second call would double-decrement dirtyLayers.
func (g *Guard) Release() {
	g.a.dirtyBytes.Add(-g.published)
	g.a.bytesGauge.Update(g.a.dirtyBytes.Load())
	g.published = 0

	g.a.dirtyLayers.Add(-1)
	g.a.layersGauge.Update(g.a.dirtyLayers.Load())
}
