// Package blobstore provides storage abstraction for backup archives.
//
// Store is the interface for reading and writing whole-object blobs
// (backup archives, export documents). Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with atomic rename-based writes
//   - MemoryStore: In-memory store for tests
//   - s3.Store: Amazon S3 with managed multipart uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
// Implement the Store interface to support custom storage backends:
//
//	type Store interface {
//	    Put(ctx, name, data) error               // Atomic write
//	    Create(ctx, name) (WritableBlob, error)  // Streaming write
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
