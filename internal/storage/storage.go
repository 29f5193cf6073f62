// Package storage keeps dataset payloads in an S3-compatible object store.
// Payloads are streamed in both directions and never touch local disk.
package storage

import (
	"context"
	"io"
	"time"
)

// PutObjectOptions define optional parameters for uploading objects.
// Size is -1 when the length is unknown; the backend then chunks the stream.
type PutObjectOptions struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo contains basic information about a stored payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Storage is the payload store used by the upload and download routes.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error)
	// Get returns apperror.ErrNotFound when key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Ref returns the location handed to the transfer network as a source.
	Ref(key string) string
}

// DatasetKey is the object key holding a dataset's payload.
func DatasetKey(datasetID string) string {
	return "datasets/" + datasetID + "/payload"
}
