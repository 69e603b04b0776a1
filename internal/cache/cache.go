// Package cache remembers signatures that have already authenticated a request.
package cache

import (
	"errors"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrAlreadyClaimed is returned when a signature is presented a second time within its TTL.
var ErrAlreadyClaimed = errors.New("signature already claimed")

// ReplayStats holds replay cache statistics.
type ReplayStats struct {
	Items   int
	Claims  int64
	Replays int64
}

// ReplayCache is an in-memory set of claimed signatures with per-entry expiry.
type ReplayCache struct {
	c       *gocache.Cache
	claims  atomic.Int64
	replays atomic.Int64
}

// NewReplayCache creates a cache whose entries live for defaultTTL unless Claim overrides it.
func NewReplayCache(defaultTTL time.Duration) *ReplayCache {
	return &ReplayCache{c: gocache.New(defaultTTL, time.Minute)}
}

// Claim records key. It fails with ErrAlreadyClaimed if key is already present and unexpired.
func (r *ReplayCache) Claim(key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	// Add is atomic: of two concurrent claims exactly one succeeds.
	if err := r.c.Add(key, struct{}{}, ttl); err != nil {
		r.replays.Add(1)
		return ErrAlreadyClaimed
	}
	r.claims.Add(1)
	return nil
}

// Release forgets key so it can be claimed again.
func (r *ReplayCache) Release(key string) {
	r.c.Delete(key)
}

// Seen reports whether key is currently claimed.
func (r *ReplayCache) Seen(key string) bool {
	_, ok := r.c.Get(key)
	return ok
}

// Flush drops every entry.
func (r *ReplayCache) Flush() {
	r.c.Flush()
}

// Stats returns cache statistics.
func (r *ReplayCache) Stats() ReplayStats {
	return ReplayStats{
		Items:   r.c.ItemCount(),
		Claims:  r.claims.Load(),
		Replays: r.replays.Load(),
	}
}
