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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LocalFs implements Storage over a directory on the local filesystem,
// used both for single-node deployments and as the backing store in
// tests. An LRU of recently-opened read handles avoids re-opening hot
// layer files on every ranged read, sized by handle count rather than
// bytes, since a held *os.File costs a file descriptor, not heap.
type LocalFs struct {
	root    string
	handles *lru.Cache[string, *os.File]
}

// NewLocalFs opens a LocalFs backend rooted at dir, keeping up to
// handleCacheSize read file handles open across calls.
func NewLocalFs(dir string, handleCacheSize int) (*LocalFs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("remotestorage: localfs: mkdir: %w", err)
	}
	cache, err := lru.NewWithEvict[string, *os.File](handleCacheSize, func(_ string, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("remotestorage: localfs: lru: %w", err)
	}
	return &LocalFs{root: dir, handles: cache}, nil
}

func (l *LocalFs) abs(path string) (string, error) {
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return "", fmt.Errorf("remotestorage: localfs: invalid relative path %q", path)
	}
	return filepath.Join(l.root, filepath.FromSlash(path)), nil
}

// openCached returns a read handle for path, reusing one from the LRU when
// possible. Cached handles are shared: callers must read through ReadAt
// (no seeking) and must not close them; the LRU closes a handle when it
// evicts it.
func (l *LocalFs) openCached(path string) (*os.File, error) {
	if f, ok := l.handles.Get(path); ok {
		return f, nil
	}
	abs, err := l.abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.handles.Add(path, f)
	return f, nil
}

func (l *LocalFs) List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	absPrefix, err := l.abs(prefix)
	if err != nil {
		return ListResult{}, err
	}

	var keys, prefixes []string
	seenPrefix := map[string]bool{}
	root := l.root
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(path, absPrefix) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		if mode == Delimited {
			tail := strings.TrimPrefix(rel, prefix)
			if idx := strings.Index(tail, "/"); idx >= 0 {
				p := prefix + tail[:idx+1]
				if !seenPrefix[p] {
					seenPrefix[p] = true
					prefixes = append(prefixes, p)
				}
				return nil
			}
		}
		keys = append(keys, rel)
		if maxKeys != nil && len(keys) >= *maxKeys {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("remotestorage: localfs: list: %w", err)
	}
	sort.Strings(keys)
	sort.Strings(prefixes)
	return ListResult{Prefixes: prefixes, Keys: keys}, nil
}

func (l *LocalFs) Upload(ctx context.Context, path string, r io.Reader, size int64, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	abs, err := l.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("remotestorage: localfs: mkdir: %w", err)
	}
	// A re-upload replaces the inode; drop any cached handle to the old one.
	l.handles.Remove(path)
	tmp := abs + ".upload.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("remotestorage: localfs: create: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, size))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("remotestorage: localfs: write: %w", err)
	}
	if n != size {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("remotestorage: localfs: upload: wrote %d bytes, want %d", n, size)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("remotestorage: localfs: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if len(meta) > 0 {
		if err := writeSidecarMeta(abs, meta); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, abs)
}

func (l *LocalFs) Download(ctx context.Context, path string) (*Object, error) {
	return l.DownloadByteRange(ctx, path, ByteRange{})
}

func (l *LocalFs) DownloadByteRange(ctx context.Context, path string, rng ByteRange) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	abs, err := l.abs(path)
	if err != nil {
		return nil, err
	}
	f, err := l.openCached(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	count := info.Size() - rng.Start
	if rng.End != nil {
		count = *rng.End - rng.Start
	}
	// The section reader positions via ReadAt, so the shared cached handle
	// carries no seek state; closing the stream leaves the handle to the
	// LRU's eviction.
	return &Object{
		Stream: io.NopCloser(io.NewSectionReader(f, rng.Start, count)),
		Attrs:  Attrs{LastModified: info.ModTime(), Meta: readSidecarMeta(abs)},
	}, nil
}

func (l *LocalFs) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	l.handles.Remove(path)
	abs, err := l.abs(path)
	if err != nil {
		return err
	}
	os.Remove(abs + ".meta")
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remotestorage: localfs: delete: %w", err)
	}
	return nil
}

func (l *LocalFs) DeleteObjects(ctx context.Context, paths []string) error {
	if len(paths) > maxBatchDelete {
		return fmt.Errorf("remotestorage: localfs: delete_objects: batch of %d exceeds cap of %d", len(paths), maxBatchDelete)
	}
	for _, p := range paths {
		if err := l.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalFs) Copy(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	obj, err := l.Download(ctx, from)
	if err != nil {
		return err
	}
	defer obj.Stream.Close()
	data, err := io.ReadAll(obj.Stream)
	if err != nil {
		return err
	}
	return l.Upload(ctx, to, strings.NewReader(string(data)), int64(len(data)), obj.Attrs.Meta)
}

// TimeTravelRecover is not meaningful for a plain local directory (no
// object versioning); LocalFs reports that no recovery is possible rather
// than silently no-op-ing.
func (l *LocalFs) TimeTravelRecover(ctx context.Context, prefix string, toTimestamp, doneIfAfter time.Time) error {
	return fmt.Errorf("remotestorage: localfs: time_travel_recover: not supported without object versioning")
}

func writeSidecarMeta(abs string, meta map[string]string) error {
	f, err := os.Create(abs + ".meta")
	if err != nil {
		return err
	}
	defer f.Close()
	for k, v := range meta {
		if _, err := fmt.Fprintf(f, "%s=%s\n", k, v); err != nil {
			return err
		}
	}
	return nil
}

func readSidecarMeta(abs string) map[string]string {
	data, err := os.ReadFile(abs + ".meta")
	if err != nil {
		return nil
	}
	meta := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			meta[k] = v
		}
	}
	return meta
}
