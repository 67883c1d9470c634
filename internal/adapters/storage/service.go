// Package storage provides the object store used to archive uploaded source
// files, processed row snapshots and immutable raw call events.
package storage

import (
	"context"
	"io"
	"strings"
	"time"
)

// PresignedURL contains the URL and metadata for a presigned download.
type PresignedURL struct {
	URL       string    `json:"url"`
	FileKey   string    `json:"fileKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StorageService defines the object storage operations used by the run and
// webhook pipelines. Objects are addressed by bucket and key; keys are chosen
// by the caller so archives stay addressable by run or call.
type StorageService interface {
	// PutObject stores the reader under bucket/key and returns the object reference.
	PutObject(ctx context.Context, bucket, key, contentType string, reader io.Reader, size int64) (string, error)

	// PutJSON marshals v and stores it under bucket/key.
	PutJSON(ctx context.Context, bucket, key string, v any) (string, error)

	// GenerateDownloadURL creates a presigned URL for downloading a file.
	GenerateDownloadURL(ctx context.Context, bucket, fileKey string) (*PresignedURL, error)

	// EnsureBucketExists creates the bucket if it doesn't exist.
	EnsureBucketExists(ctx context.Context, bucket string) error
}

// Config defines the configuration interface for storage.
type Config interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	IsMinIOEnabled() bool
}

// Reference formats the stored location of an object as "bucket/key".
func Reference(bucket, key string) string {
	return bucket + "/" + key
}

// SplitReference parses a "bucket/key" reference produced by Reference.
func SplitReference(ref string) (bucket, key string, ok bool) {
	bucket, key, ok = strings.Cut(ref, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
