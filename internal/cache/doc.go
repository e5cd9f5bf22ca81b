// Package cache implements the content cache: per (origin store, path) it
// records whether content exists, its size, digest and freshness, and keeps
// the bytes in a pluggable Backend (local disk with temp file + rename, or a
// shared Redis instance with zstd-compressed values). Positive entries live
// for the long positive TTL, negative entries for the short negative TTL.
// Expiry is enforced lazily on read and by a background sweep; capacity is
// bounded by an LRU. Invalidate drops every entry of a store when its
// configuration changes materially.
package cache
