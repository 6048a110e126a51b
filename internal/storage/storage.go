// Package storage provides object storage abstractions for the archive
// layer. Parts and index documents are small enough to pass through
// memory, so the interface trades in byte slices rather than local
// file paths.
package storage

import (
	"context"
	crand "crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Content types used when uploading archive objects.
const (
	ContentTypeTar  = "application/x-tar"
	ContentTypeJSON = "application/json"
)

// ObjectStorage abstracts object storage operations.
// Implementations include S3-compatible stores and the local
// filesystem for testing.
type ObjectStorage interface {
	// Upload writes data to objectPath, overwriting any existing
	// object. contentType may be empty.
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error

	// UploadMultipart uploads a large blob using multipart upload.
	// Returns the ETag of the uploaded object for validation.
	UploadMultipart(ctx context.Context, objectPath string, data []byte) (string, error)

	// Download reads the full object at objectPath.
	// Returns ErrObjectNotFound when the object does not exist.
	Download(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object from storage. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	// The sync planner uses this to discover a jurisdiction's
	// partition index documents.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// retryWithBackoff executes the operation with capped exponential
// backoff. Each wait is half the capped exponential delay plus a
// random jitter of up to the same amount, so concurrent workers do
// not hammer the store in lockstep after a shared outage.
func retryWithBackoff(ctx context.Context, maxRetries int, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// Absence is a result, not a transient fault.
		if errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(retryBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(retryMaxDelay) {
		delay = float64(retryMaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
