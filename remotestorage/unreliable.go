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
	"math/rand"
	"sync/atomic"
	"time"
)

// Unreliable wraps another Storage and injects failures, letting flush
// and read-path tests exercise the failure contract (an I/O failure aborts
// the flush and the frozen layer stays in place) without a real flaky
// backend. It is a test-only variant of the tagged union; it is never
// selected in a production Backend.
type Unreliable struct {
	inner      Storage
	failEveryN uint32 // 0 disables fault injection
	calls      atomic.Uint32
	rng        *rand.Rand
}

// NewUnreliable wraps inner so that, on average, 1 in failEveryN calls
// fails with ErrCancelled (the error kind whose effects the caller must
// treat as unknown). failEveryN == 0 disables injection, making this a
// transparent passthrough.
func NewUnreliable(inner Storage, failEveryN uint32, seed int64) *Unreliable {
	return &Unreliable{inner: inner, failEveryN: failEveryN, rng: rand.New(rand.NewSource(seed))}
}

func (u *Unreliable) shouldFail() bool {
	if u.failEveryN == 0 {
		return false
	}
	u.calls.Add(1)
	return u.rng.Uint32()%u.failEveryN == 0
}

func (u *Unreliable) fail(op string) error {
	return fmt.Errorf("remotestorage: unreliable: injected failure in %s: %w", op, ErrCancelled)
}

func (u *Unreliable) List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error) {
	if u.shouldFail() {
		return ListResult{}, u.fail("list")
	}
	return u.inner.List(ctx, prefix, mode, maxKeys)
}

func (u *Unreliable) Upload(ctx context.Context, path string, r io.Reader, size int64, meta map[string]string) error {
	if u.shouldFail() {
		return u.fail("upload")
	}
	return u.inner.Upload(ctx, path, r, size, meta)
}

func (u *Unreliable) Download(ctx context.Context, path string) (*Object, error) {
	if u.shouldFail() {
		return nil, u.fail("download")
	}
	return u.inner.Download(ctx, path)
}

func (u *Unreliable) DownloadByteRange(ctx context.Context, path string, rng ByteRange) (*Object, error) {
	if u.shouldFail() {
		return nil, u.fail("download_byte_range")
	}
	return u.inner.DownloadByteRange(ctx, path, rng)
}

func (u *Unreliable) Delete(ctx context.Context, path string) error {
	if u.shouldFail() {
		return u.fail("delete")
	}
	return u.inner.Delete(ctx, path)
}

func (u *Unreliable) DeleteObjects(ctx context.Context, paths []string) error {
	if u.shouldFail() {
		return u.fail("delete_objects")
	}
	return u.inner.DeleteObjects(ctx, paths)
}

func (u *Unreliable) Copy(ctx context.Context, from, to string) error {
	if u.shouldFail() {
		return u.fail("copy")
	}
	return u.inner.Copy(ctx, from, to)
}

func (u *Unreliable) TimeTravelRecover(ctx context.Context, prefix string, toTimestamp, doneIfAfter time.Time) error {
	if u.shouldFail() {
		return u.fail("time_travel_recover")
	}
	return u.inner.TimeTravelRecover(ctx, prefix, toTimestamp, doneIfAfter)
}
