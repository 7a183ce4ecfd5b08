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

// Package remotestorage is the uniform CRUD interface the engine consumes
// for durable layer storage. Each backend (LocalFs, S3, Azure, Unreliable)
// implements the Storage interface, and operations are called through that
// interface. Backend is a tagged union over the same four variants; its
// only method, AsStorage, switches on Kind once and returns the variant as
// a Storage value, so there is no per-operation type switch.
package remotestorage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object is absent.
var ErrNotFound = errors.New("remotestorage: not found")

// ErrCancelled is the root cause attached to any operation that observed
// its context cancelled or timed out. Partial effects are possible once
// this is returned; callers must treat the operation's result as unknown.
var ErrCancelled = errors.New("remotestorage: timeout or cancel")

// ListMode selects whether List groups results at the next path separator
// ({Delimited}) or returns every key under the prefix ({Flat}).
type ListMode int

const (
	Delimited ListMode = iota
	Flat
)

// ListResult is the output of List: common prefixes found at the next
// separator (only populated for Delimited) and the keys themselves.
type ListResult struct {
	Prefixes []string
	Keys     []string
}

// Attrs is what Download/DownloadByteRange report about the fetched
// object, alongside its byte stream.
type Attrs struct {
	LastModified time.Time
	ETag         string
	Meta         map[string]string
}

// Object is a remote object's content plus the attributes it carries.
type Object struct {
	Stream io.ReadCloser
	Attrs  Attrs
}

// ByteRange is an inclusive-start, exclusive-end (or open-ended when End
// is nil) byte span for DownloadByteRange.
type ByteRange struct {
	Start int64
	End   *int64
}

// Storage is the operation surface every backend variant implements.
// Paths are forward-slash-delimited, relative to an implementation-defined
// bucket prefix; never absolute.
type Storage interface {
	List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error)
	Upload(ctx context.Context, path string, r io.Reader, size int64, meta map[string]string) error
	Download(ctx context.Context, path string) (*Object, error)
	DownloadByteRange(ctx context.Context, path string, rng ByteRange) (*Object, error)
	Delete(ctx context.Context, path string) error
	DeleteObjects(ctx context.Context, paths []string) error
	Copy(ctx context.Context, from, to string) error
	TimeTravelRecover(ctx context.Context, prefix string, toTimestamp time.Time, doneIfAfter time.Time) error
}

// maxBatchDelete is the largest batch DeleteObjects accepts in one call,
// matching the S3 multi-object delete limit.
const maxBatchDelete = 1000

// Kind tags which concrete backend a Backend wraps.
type Kind int

const (
	KindLocalFs Kind = iota
	KindS3
	KindAzure
	KindUnreliable
)

// Backend is the tagged union: exactly one of the embedded pointers is
// non-nil, selected by Kind. Callers that want to dispatch generically use
// AsStorage; callers that need the concrete type (e.g. tests constructing
// an Unreliable wrapper) switch on Kind directly.
type Backend struct {
	Kind       Kind
	LocalFs    *LocalFs
	S3         *S3
	Azure      *Azure
	Unreliable *Unreliable
}

// AsStorage returns the active variant as a Storage, so generic engine
// code never needs to see the tagged union.
func (b Backend) AsStorage() Storage {
	switch b.Kind {
	case KindLocalFs:
		return b.LocalFs
	case KindS3:
		return b.S3
	case KindAzure:
		return b.Azure
	case KindUnreliable:
		return b.Unreliable
	default:
		panic("remotestorage: Backend: unset Kind")
	}
}
