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

// Package flush drains a timeline's frozen-layer queue into immutable L0
// delta layers. It is the background half of the freeze/flush handoff: the
// layer manager only flips pointers; this package does the actual I/O,
// bounded by a process-wide concurrency limiter so memory use from
// concurrently-held ephemeral file buffers stays capped.
package flush

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/sync/semaphore"

	"github.com/pageserver/pageserver/blobfile"
	"github.com/pageserver/pageserver/deltalayer"
	"github.com/pageserver/pageserver/inmemorylayer"
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/layermap"
	"github.com/pageserver/pageserver/log"
	"github.com/pageserver/pageserver/value"
)

// Backend selects how flush reads blobs back out of the ephemeral layer
// it is flushing.
type Backend int

const (
	// PageCached re-reads each blob positionally, the same blob cursor
	// the live read path uses, optionally warmed by a clean-blob cache.
	PageCached Backend = iota
	// Direct loads the whole ephemeral file into memory once and decodes
	// every blob out of that in-memory slice.
	Direct
)

// Limiter bounds how many flushes may hold an in-memory buffer (the
// "direct" backend's full file load, or simply the frozen layer's open
// blob file) at once, backing pressure on process memory use.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter builds a limiter admitting at most n concurrent flushes.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Worker flushes frozen ephemeral layers for one timeline into L0 delta
// layers, then hands the result to the layer manager and (optionally)
// uploads it to remote storage.
type Worker struct {
	Manager   *layermap.Manager
	Limiter   *Limiter
	Backend   Backend
	DeltaDir  string
	PageCache *fastcache.Cache // only consulted when Backend == PageCached
	Uploader  func(ctx context.Context, localPath, remotePath string) error
}

// NewWorker builds a flush worker. cleanCacheBytes sizes the optional
// page cache used by the PageCached backend; pass 0 to disable it (every
// blob is re-read from disk with no cache in front).
func NewWorker(m *layermap.Manager, limiter *Limiter, backend Backend, deltaDir string, cleanCacheBytes int) *Worker {
	var cache *fastcache.Cache
	if backend == PageCached && cleanCacheBytes > 0 {
		cache = fastcache.New(cleanCacheBytes)
	}
	return &Worker{Manager: m, Limiter: limiter, Backend: backend, DeltaDir: deltaDir, PageCache: cache}
}

// DrainOne flushes the oldest queued frozen layer, if any, returning
// (nil, nil) when the queue is empty. Any I/O failure aborts the flush and
// leaves the frozen layer in place for the next call to retry; it is never
// removed from the queue except on success.
func (w *Worker) DrainOne(ctx context.Context, keyFilter *key.Range) (*layermap.HistoricLayer, error) {
	layer := w.Manager.OldestFrozen()
	if layer == nil {
		return nil, nil
	}
	return w.flushLayer(ctx, layer, keyFilter)
}

// Run drains the frozen queue in a loop until ctx is cancelled, sleeping
// idlePoll between empty passes:
// a select on the quit signal, with a backoff pause when there is nothing
// to do.
func (w *Worker) Run(ctx context.Context, idlePoll time.Duration) {
	for {
		select {
		case <-ctx.Done():
			log.Info("flush worker shutting down")
			return
		default:
		}
		layer, err := w.DrainOne(ctx, nil)
		if err != nil {
			log.Error("flush failed, frozen layer stays queued for retry", "err", err)
		}
		if layer == nil && err == nil {
			select {
			case <-time.After(idlePoll):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) flushLayer(ctx context.Context, layer *inmemorylayer.Layer, keyFilter *key.Range) (*layermap.HistoricLayer, error) {
	if err := w.Limiter.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("flush: acquire concurrency permit: %w", err)
	}
	// The permit is held across the terminal fsync in Writer.Finish, so
	// the in-memory buffer this flush holds (the "direct" backend's full
	// file load, or just the writer's own blob file) never outlives it.
	defer w.Limiter.sem.Release(1)

	endLsn, ok := layer.EndLsn()
	if !ok {
		return nil, fmt.Errorf("flush: layer at start_lsn %s is not frozen", layer.StartLsn())
	}

	keys := layer.Keys()
	if keyFilter != nil {
		filtered := keys[:0]
		for _, k := range keys {
			if keyFilter.Contains(k) {
				filtered = append(filtered, k)
			}
		}
		keys = filtered
	}
	if len(keys) == 0 {
		log.Info("flush: frozen layer has no matching keys, nothing to write", "start_lsn", layer.StartLsn())
		if err := w.Manager.FinishFlushL0Layer(nil, layer); err != nil {
			return nil, err
		}
		layer.Release()
		return nil, nil
	}

	var direct []byte
	if w.Backend == Direct {
		var err error
		direct, err = layer.LoadToVec()
		if err != nil {
			return nil, fmt.Errorf("flush: load ephemeral file: %w", err)
		}
	}

	// L0 delta layers always span the full key range, regardless of which
	// keys this particular ephemeral layer happened to touch.
	writer, err := deltalayer.NewWriter(w.DeltaDir, key.Min, layer.StartLsn(), endLsn)
	if err != nil {
		return nil, fmt.Errorf("flush: open delta writer: %w", err)
	}

	for _, k := range keys {
		for _, e := range layer.EntriesForKey(k) {
			raw, err := w.readEntry(layer, direct, e.Offset)
			if err != nil {
				writer.Abort()
				return nil, fmt.Errorf("flush: read blob for key %v at lsn %s: %w", k, e.Lsn, err)
			}
			v, err := value.Decode(raw)
			if err != nil {
				writer.Abort()
				return nil, fmt.Errorf("flush: decode value for key %v at lsn %s: %w", k, e.Lsn, err)
			}
			if err := writer.PutValueBytes(k, e.Lsn, raw, v.WillInit); err != nil {
				writer.Abort()
				return nil, fmt.Errorf("flush: append entry: %w", err)
			}
		}
	}

	produced, err := writer.Finish(key.Max)
	if err != nil {
		return nil, fmt.Errorf("flush: finish delta layer: %w", err)
	}

	if produced != nil && w.Uploader != nil {
		if err := w.Uploader(ctx, produced.Path, filepath.Base(produced.Path)); err != nil {
			return nil, fmt.Errorf("flush: upload delta layer: %w", err)
		}
	}

	if err := w.Manager.FinishFlushL0Layer(produced, layer); err != nil {
		return nil, fmt.Errorf("flush: install historic layer: %w", err)
	}
	layer.Release()
	return produced, nil
}

func (w *Worker) readEntry(layer *inmemorylayer.Layer, direct []byte, offset uint64) ([]byte, error) {
	if w.Backend == Direct {
		return blobfile.DecodeBlobAt(direct, offset)
	}
	cacheKey := fmt.Sprintf("%p:%d", layer, offset)
	if w.PageCache != nil {
		if v, ok := w.PageCache.HasGet(nil, []byte(cacheKey)); ok {
			return v, nil
		}
	}
	raw, err := layer.ReadEncoded(offset)
	if err != nil {
		return nil, err
	}
	if w.PageCache != nil {
		w.PageCache.Set([]byte(cacheKey), raw)
	}
	return raw, nil
}
