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
	"path"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// Azure implements Storage against an Azure Blob Storage container.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzure constructs an Azure backend for the named container using
// connectionString, with every path joined under prefix.
func NewAzure(connectionString, containerName, prefix string) (*Azure, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("remotestorage: azure: client: %w", err)
	}
	return &Azure{client: client, container: containerName, prefix: prefix}, nil
}

func (a *Azure) key(p string) string {
	if a.prefix == "" {
		return p
	}
	return path.Join(a.prefix, p)
}

func (a *Azure) List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error) {
	full := a.key(prefix)
	var out ListResult

	if mode == Delimited {
		pager := a.client.ServiceClient().NewContainerClient(a.container).NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &full})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return ListResult{}, wrapAzureErr("list", err)
			}
			for _, p := range page.Segment.BlobPrefixes {
				out.Prefixes = append(out.Prefixes, *p.Name)
			}
			for _, b := range page.Segment.BlobItems {
				out.Keys = append(out.Keys, *b.Name)
			}
			if maxKeys != nil && len(out.Keys) >= *maxKeys {
				break
			}
		}
		return out, nil
	}

	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return ListResult{}, wrapAzureErr("list", err)
		}
		for _, b := range page.Segment.BlobItems {
			out.Keys = append(out.Keys, *b.Name)
		}
		if maxKeys != nil && len(out.Keys) >= *maxKeys {
			break
		}
	}
	return out, nil
}

func (a *Azure) Upload(ctx context.Context, p string, r io.Reader, size int64, meta map[string]string) error {
	m := map[string]*string{}
	for k, v := range meta {
		vv := v
		m[k] = &vv
	}
	_, err := a.client.UploadStream(ctx, a.container, a.key(p), r, &azblob.UploadStreamOptions{Metadata: m})
	return wrapAzureErr("upload", err)
}

func (a *Azure) Download(ctx context.Context, p string) (*Object, error) {
	return a.download(ctx, p, nil)
}

func (a *Azure) DownloadByteRange(ctx context.Context, p string, rng ByteRange) (*Object, error) {
	var count int64 = 0
	if rng.End != nil {
		count = *rng.End - rng.Start
	}
	return a.download(ctx, p, &httpRange{offset: rng.Start, count: count})
}

type httpRange struct {
	offset int64
	count  int64
}

func (a *Azure) download(ctx context.Context, p string, rng *httpRange) (*Object, error) {
	opts := &azblob.DownloadStreamOptions{}
	if rng != nil {
		opts.Range = azblob.HTTPRange{Offset: rng.offset, Count: rng.count}
	}
	resp, err := a.client.DownloadStream(ctx, a.container, a.key(p), opts)
	if err != nil {
		return nil, wrapAzureErr("download", err)
	}
	meta := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		if v != nil {
			meta[k] = *v
		}
	}
	var lastModified time.Time
	if resp.LastModified != nil {
		lastModified = *resp.LastModified
	}
	var etag string
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return &Object{
		Stream: resp.Body,
		Attrs:  Attrs{LastModified: lastModified, ETag: etag, Meta: meta},
	}, nil
}

func (a *Azure) Delete(ctx context.Context, p string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, a.key(p), nil)
	return wrapAzureErr("delete", err)
}

func (a *Azure) DeleteObjects(ctx context.Context, paths []string) error {
	if len(paths) > maxBatchDelete {
		return fmt.Errorf("remotestorage: azure: delete_objects: batch of %d exceeds cap of %d", len(paths), maxBatchDelete)
	}
	// Azure Blob has no native batch-delete primitive as uniform as S3's;
	// sequential delete keeps the same observable semantics (all-or-error
	// per object) at the cost of parallelism the caller can add itself.
	for _, p := range paths {
		if err := a.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (a *Azure) Copy(ctx context.Context, from, to string) error {
	srcClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(a.key(from))
	_, err := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(a.key(to)).
		StartCopyFromURL(ctx, srcClient.URL(), nil)
	return wrapAzureErr("copy", err)
}

// TimeTravelRecover is not implemented: Azure's analog (blob versioning +
// point-in-time restore) is a container-level operation outside this
// client's scope; callers needing it use the Azure CLI/portal directly.
func (a *Azure) TimeTravelRecover(ctx context.Context, prefix string, toTimestamp, doneIfAfter time.Time) error {
	return fmt.Errorf("remotestorage: azure: time_travel_recover: not supported by this client")
}

func wrapAzureErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("remotestorage: azure: %s: %w: %v", op, ErrCancelled, err)
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("remotestorage: azure: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("remotestorage: azure: %s: %w", op, err)
}
