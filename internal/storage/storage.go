// Package storage abstracts the object store that holds exported query
// results.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	// Metadata holds the user metadata written with PutOptions, keyed in
	// lower case.
	Metadata map[string]string
}

type PutOptions struct {
	ContentType string
	// DownloadName is the file name offered to browsers fetching the object.
	DownloadName string
	Metadata     map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// PresignGet returns a time-limited download URL for key. The link asks
	// the client to save the object under its base name.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
