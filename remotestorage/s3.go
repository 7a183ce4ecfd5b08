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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3 implements Storage against an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 constructs an S3 backend from the ambient AWS config (environment,
// shared credentials file, or IMDS), scoped to bucket with every path
// joined under prefix.
func NewS3(ctx context.Context, bucket, prefix string, endpoint string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("remotestorage: s3: load config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func (s *S3) List(ctx context.Context, prefix string, mode ListMode, maxKeys *int) (ListResult, error) {
	var delim *string
	if mode == Delimited {
		delim = aws.String("/")
	}
	var out ListResult
	var token *string
	for {
		in := &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.key(prefix)),
			Delimiter:         delim,
			ContinuationToken: token,
		}
		if maxKeys != nil {
			in.MaxKeys = int32(*maxKeys)
		}
		resp, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return ListResult{}, wrapS3Err("list", err)
		}
		for _, p := range resp.CommonPrefixes {
			out.Prefixes = append(out.Prefixes, aws.ToString(p.Prefix))
		}
		for _, o := range resp.Contents {
			out.Keys = append(out.Keys, aws.ToString(o.Key))
		}
		if maxKeys != nil || !resp.IsTruncated {
			return out, nil
		}
		token = resp.NextContinuationToken
	}
}

func (s *S3) Upload(ctx context.Context, p string, r io.Reader, size int64, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          r,
		ContentLength: size,
		Metadata:      meta,
	})
	return wrapS3Err("upload", err)
}

func (s *S3) Download(ctx context.Context, p string) (*Object, error) {
	return s.download(ctx, p, nil)
}

func (s *S3) DownloadByteRange(ctx context.Context, p string, rng ByteRange) (*Object, error) {
	var r string
	if rng.End != nil {
		r = fmt.Sprintf("bytes=%d-%d", rng.Start, *rng.End-1)
	} else {
		r = fmt.Sprintf("bytes=%d-", rng.Start)
	}
	return s.download(ctx, p, &r)
}

func (s *S3) download(ctx context.Context, p string, rangeHeader *string) (*Object, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, wrapS3Err("download", err)
	}
	meta := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		meta[k] = v
	}
	var lastModified time.Time
	if resp.LastModified != nil {
		lastModified = *resp.LastModified
	}
	return &Object{
		Stream: resp.Body,
		Attrs:  Attrs{LastModified: lastModified, ETag: aws.ToString(resp.ETag), Meta: meta},
	}, nil
}

func (s *S3) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	return wrapS3Err("delete", err)
}

func (s *S3) DeleteObjects(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if len(paths) > maxBatchDelete {
		return fmt.Errorf("remotestorage: s3: delete_objects: batch of %d exceeds cap of %d", len(paths), maxBatchDelete)
	}
	objs := make([]types.ObjectIdentifier, len(paths))
	for i, p := range paths {
		objs[i] = types.ObjectIdentifier{Key: aws.String(s.key(p))}
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objs},
	})
	return wrapS3Err("delete_objects", err)
}

func (s *S3) Copy(ctx context.Context, from, to string) error {
	src := path.Join(s.bucket, s.key(from))
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(to)),
		CopySource: aws.String(src),
	})
	return wrapS3Err("copy", err)
}

// TimeTravelRecover restores every object version under prefix to its
// state as of toTimestamp, skipping objects whose current version already
// postdates doneIfAfter (so a retried recovery doesn't re-restore objects
// an earlier pass already fixed).
func (s *S3) TimeTravelRecover(ctx context.Context, prefix string, toTimestamp, doneIfAfter time.Time) error {
	var token *string
	for {
		resp, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
			Bucket:    aws.String(s.bucket),
			Prefix:    aws.String(s.key(prefix)),
			KeyMarker: token,
		})
		if err != nil {
			return wrapS3Err("time_travel_recover: list versions", err)
		}
		for _, v := range resp.Versions {
			if v.LastModified == nil || v.LastModified.After(toTimestamp) {
				continue
			}
			if v.LastModified.After(doneIfAfter) {
				continue
			}
			if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				Key:        v.Key,
				CopySource: aws.String(fmt.Sprintf("%s/%s?versionId=%s", s.bucket, aws.ToString(v.Key), aws.ToString(v.VersionId))),
			}); err != nil {
				return wrapS3Err("time_travel_recover: restore", err)
			}
		}
		if !resp.IsTruncated {
			return nil
		}
		token = resp.NextKeyMarker
	}
}

func wrapS3Err(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("remotestorage: s3: %s: %w: %v", op, ErrCancelled, err)
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == 404 {
		return fmt.Errorf("remotestorage: s3: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("remotestorage: s3: %s: %w", op, err)
}
