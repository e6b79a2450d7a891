// Package content re-exports the blob-storage collaborator contract (spec
// §1: "raw message blob storage on disk — abstracted as a content store")
// as store.ContentStore, and provides two concrete implementations:
// content/diskstore (default, per-message files) and content/s3store
// (minio-go-backed, grounded on migadu-sora's storage.S3Storage).
package content

import "github.com/gujc71/9Mail/store"

// Store is an alias of store.ContentStore kept in this package so callers
// can write content.Store instead of reaching into store for a type that
// conceptually belongs here.
type Store = store.ContentStore
