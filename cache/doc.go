// Package cache provides a key/value cache with typed reads, per-entry
// expiration and pattern based invalidation, backed either by process memory
// (LocalCache) or by Redis (RedisCache).
package cache
