// Package cache implements the disk-bounded asset cache. Every entry is a single
// file directly under the cache directory whose name is the base64url form of
// the cache key, so the in-memory LRU index can always be rebuilt from a
// directory scan plus file sizes. Writes go through a temp file + rename, files
// at or below MinValidSize are treated as unwritten, and eviction (total size
// over MaxBytes, or last access older than MaxAge) removes both the index entry
// and the backing file. The asset server depends on this package to stream hits
// and to persist origin streams while they are delivered to clients.
package cache
