// Package cache memoizes completed scans.
//
// Cache is a generic in-memory TTL cache bounded by entry count. When full,
// Set evicts one victim chosen by the configured Policy:
//
//   - PolicyLRU evicts the entry with the oldest last access
//   - PolicyLFU evicts the entry with the fewest accesses
//   - PolicyTTL evicts the entry closest to expiry
//
// Ties go to the oldest entry. Expired entries are treated as absent and
// removed when observed (lazy expiry) or by PurgeExpired.
//
// An optional Backing store makes the cache write-through: Set also saves
// the encoded value, and a local miss consults the backing before reporting
// a miss. Backing failures are logged and treated as misses so a broken
// store never fails a scan.
package cache
