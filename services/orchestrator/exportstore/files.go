// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exportstore persists export artifacts: the CSV files the export
// pipeline produces and the job records that describe them.
//
// Files live either on the local filesystem or in a GCS bucket; job records
// live in an embedded BadgerDB. Downloads always go through the
// orchestrator's own export route, so the URLs handed to chat users never
// expose the storage backend.
package exportstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
)

// ErrFileNotFound indicates the named export file does not exist.
var ErrFileNotFound = errors.New("export file not found")

// FileInfo describes one stored export file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is the full file-store surface. The export pipeline only needs
// Put (agent.FileStore); the download route and the retention sweeper need
// the rest.
type Store interface {
	agent.FileStore

	// Open returns the file's content for streaming to a download.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// List enumerates stored export files.
	List(ctx context.Context) ([]FileInfo, error)

	// Delete removes one file. Deleting a missing file is not an error.
	Delete(ctx context.Context, name string) error
}

// downloadURL builds the externally visible URL for a stored file. Both
// backends serve downloads through the orchestrator's export route, so the
// URL is route-relative and backend-free.
func downloadURL(baseURL, name string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(name)
}

// validFileName rejects names that could escape the storage root.
func validFileName(name string) error {
	if name == "" {
		return errors.New("file name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// ===== Local Filesystem Store =====

// LocalStore keeps export files in one directory on local disk.
//
// # Thread Safety
//
// Safe for concurrent use; each operation touches one file.
type LocalStore struct {
	dir     string
	baseURL string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local file store rooted at dir.
//
// # Inputs
//
//   - dir: Directory for export files. Created if it doesn't exist.
//   - baseURL: URL prefix for the download route, e.g. "/v1/exports/files".
//
// # Outputs
//
//   - *LocalStore: The configured store
//   - error: Non-nil if the directory cannot be created
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create export directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir, baseURL: baseURL}, nil
}

// Put writes one export file and returns its download location.
func (s *LocalStore) Put(ctx context.Context, name string, content []byte) (agent.ExportFile, error) {
	if err := validFileName(name); err != nil {
		return agent.ExportFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return agent.ExportFile{}, err
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, content, 0640); err != nil {
		return agent.ExportFile{}, fmt.Errorf("write export file %s: %w", name, err)
	}

	return agent.ExportFile{Name: name, URL: downloadURL(s.baseURL, name)}, nil
}

// Open returns the file's content for streaming.
func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validFileName(name); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open export file %s: %w", name, err)
	}
	return f, nil
}

// List enumerates stored files, newest first.
func (s *LocalStore) List(ctx context.Context) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list export directory: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

// Delete removes one file. Missing files are ignored.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := validFileName(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete export file %s: %w", name, err)
	}
	return nil
}

// ===== GCS Store =====

// GCSStore keeps export files in a Google Cloud Storage bucket under a
// fixed object prefix.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying storage client is thread-safe.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	prefix  string
	baseURL string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a GCS-backed file store.
//
// # Inputs
//
//   - ctx: Context for client creation
//   - bucket: Bucket name. Must not be empty.
//   - prefix: Object name prefix, e.g. "exports". May be empty.
//   - baseURL: URL prefix for the download route.
//   - saKeyPath: Service account key file. Empty uses ambient credentials.
//
// # Outputs
//
//   - *GCSStore: The configured store
//   - error: Non-nil if the key file is missing or the client fails
func NewGCSStore(ctx context.Context, bucket, prefix, baseURL, saKeyPath string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}

	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: baseURL,
	}, nil
}

// objectName maps a file name to its object path under the prefix.
func (s *GCSStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put writes one export file and returns its download location.
func (s *GCSStore) Put(ctx context.Context, name string, content []byte) (agent.ExportFile, error) {
	if err := validFileName(name); err != nil {
		return agent.ExportFile{}, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectName(name))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "text/csv"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		writer.Close()
		return agent.ExportFile{}, fmt.Errorf("failed to copy export to GCS object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return agent.ExportFile{}, fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}

	return agent.ExportFile{Name: name, URL: downloadURL(s.baseURL, name)}, nil
}

// Open returns the object's content for streaming.
func (s *GCSStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validFileName(name); err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object %s: %w", name, err)
	}
	return reader, nil
}

// List enumerates stored objects under the prefix, newest first.
func (s *GCSStore) List(ctx context.Context) ([]FileInfo, error) {
	query := &storage.Query{}
	if s.prefix != "" {
		query.Prefix = s.prefix + "/"
	}

	var files []FileInfo
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list GCS objects: %w", err)
		}
		files = append(files, FileInfo{
			Name:    strings.TrimPrefix(attrs.Name, query.Prefix),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

// Delete removes one object. Missing objects are ignored.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	if err := validFileName(name); err != nil {
		return err
	}

	err := s.client.Bucket(s.bucket).Object(s.objectName(name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete GCS object %s: %w", name, err)
	}
	return nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
