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

package remotestorage

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the default capacity of each per-request-kind
// semaphore. Read and write pools are sized identically by config.
const DefaultPoolSize = 100

// Pools bounds how many concurrent read and write requests the engine
// issues against a Storage backend, independent of any backend-internal
// connection limits. Reads and writes are pooled separately so a burst of
// flushes (writes) never starves in-flight page reads.
type Pools struct {
	reads  *semaphore.Weighted
	writes *semaphore.Weighted
}

// NewPools builds read/write pools of the given size each. size <= 0 uses
// DefaultPoolSize.
func NewPools(size int) *Pools {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pools{
		reads:  semaphore.NewWeighted(int64(size)),
		writes: semaphore.NewWeighted(int64(size)),
	}
}

// AcquireRead blocks (cooperatively, honoring ctx cancellation) until a
// read slot is free, returning a release function.
func (p *Pools) AcquireRead(ctx context.Context) (release func(), err error) {
	if err := p.reads.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return func() { p.reads.Release(1) }, nil
}

// AcquireWrite blocks until a write slot is free, returning a release
// function.
func (p *Pools) AcquireWrite(ctx context.Context) (release func(), err error) {
	if err := p.writes.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return func() { p.writes.Release(1) }, nil
}

// Gated wraps a Storage so every operation first takes a slot from the
// matching pool: List and downloads from the read pool, everything that
// mutates the remote from the write pool. The slot covers the request
// itself, not the lifetime of a returned download stream.
type Gated struct {
	inner Storage
	pools *Pools
}

// NewGated wraps inner behind pools.
func NewGated(inner Storage, pools *Pools) *Gated {
	return &Gated{inner: inner, pools: pools}
}

func (g *Gated) List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error) {
	release, err := g.pools.AcquireRead(ctx)
	if err != nil {
		return ListResult{}, err
	}
	defer release()
	return g.inner.List(ctx, prefix, mode, maxKeys)
}

func (g *Gated) Upload(ctx context.Context, path string, r io.Reader, size int64, meta map[string]string) error {
	release, err := g.pools.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.Upload(ctx, path, r, size, meta)
}

func (g *Gated) Download(ctx context.Context, path string) (*Object, error) {
	release, err := g.pools.AcquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.inner.Download(ctx, path)
}

func (g *Gated) DownloadByteRange(ctx context.Context, path string, rng ByteRange) (*Object, error) {
	release, err := g.pools.AcquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.inner.DownloadByteRange(ctx, path, rng)
}

func (g *Gated) Delete(ctx context.Context, path string) error {
	release, err := g.pools.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.Delete(ctx, path)
}

func (g *Gated) DeleteObjects(ctx context.Context, paths []string) error {
	release, err := g.pools.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.DeleteObjects(ctx, paths)
}

func (g *Gated) Copy(ctx context.Context, from, to string) error {
	release, err := g.pools.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.Copy(ctx, from, to)
}

func (g *Gated) TimeTravelRecover(ctx context.Context, prefix string, toTimestamp, doneIfAfter time.Time) error {
	release, err := g.pools.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.TimeTravelRecover(ctx, prefix, toTimestamp, doneIfAfter)
}
