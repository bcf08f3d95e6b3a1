/*
Copyright 2026 The Tarka Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package objstore is the object-storage interface the report store writes
// through: HEAD-before-PUT idempotency needs only Head, Put, and Get.
package objstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-faster/errors"
)

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the minimal object-storage surface.
type Store interface {
	// Head returns metadata for key, or (nil, nil) when the object does not
	// exist.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Store is the production Store over an S3 bucket with a key prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var (
	s3Cache   = map[string]*S3Store{}
	s3CacheMu sync.Mutex
)

// SharedS3 returns a cached S3Store per (bucket, prefix), building the
// client on first use.
func SharedS3(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	s3CacheMu.Lock()
	defer s3CacheMu.Unlock()

	cacheKey := bucket + "\x00" + prefix
	if cached, ok := s3Cache[cacheKey]; ok {
		return cached, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	store := &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}
	s3Cache[cacheKey] = store
	return store, nil
}

// NewS3 builds an S3Store with an injected client (tests, custom configs).
func NewS3(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Head implements Store. A missing object is not an error.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "head object")
	}
	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(body),
	})
	if err != nil {
		return errors.Wrap(err, "put object")
	}
	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "get object")
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
