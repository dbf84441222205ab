package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage. Used by the ledger archiver to
// export settled markets to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart uploads large payloads in parts. partSize is a hint in
	// bytes; implementations may clamp it to backend minimums.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
