package store

import (
	"encoding/json"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// The artifact cache keeps computation results (processed landmark batches,
// rendered angle series) that are expensive to recompute but safe to lose.
// It is bounded by entry count and total bytes; the least-recently-accessed
// entry goes first. Entries are persisted under the 'A' key space and
// reloaded in access order on open, so recency survives a restart.

type CacheEntry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	SizeBytes      int64     `json:"sizeBytes"`
	AccessCount    int64     `json:"accessCount"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (s *Store) initCache() error {
	cache, _ := lru.NewWithEvict[string, *CacheEntry](s.opts.CacheMaxEntries, s.onCacheEvict)
	s.cache = cache

	prefix := cacheKey("")
	recs, err := s.scan(prefix)
	if err != nil {
		return storageErr("cache-load", "", "", err)
	}
	entries := make([]*CacheEntry, 0, len(recs))
	for _, rec := range recs {
		var e CacheEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			s.log.Warn("cache: dropping unreadable entry", "key", rec.Key, "err", err)
			_ = s.db.Delete(cacheKey(rec.Key), s.wo)
			continue
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt)
	})
	for _, e := range entries {
		s.cache.Add(e.Key, e)
		s.cacheBytes += e.SizeBytes
	}
	s.evictOverBudget()
	return nil
}

// onCacheEvict runs inside lru mutations while s.mu is held.
func (s *Store) onCacheEvict(key string, e *CacheEntry) {
	s.cacheBytes -= e.SizeBytes
	if s.db == nil {
		return
	}
	if err := s.db.Delete(cacheKey(key), s.wo); err != nil {
		s.log.Warn("cache: evict delete failed", "key", key, "err", err)
	}
}

func (s *Store) evictOverBudget() {
	for s.cacheBytes > s.opts.CacheMaxBytes && s.cache.Len() > 0 {
		s.cache.RemoveOldest()
	}
}

func (s *Store) CachePut(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storageErr("cacheput", "", key, ErrClosed)
	}
	e := &CacheEntry{
		Key:            key,
		Value:          append([]byte(nil), value...),
		SizeBytes:      int64(len(value)),
		AccessCount:    0,
		LastAccessedAt: time.Now(),
	}
	if old, ok := s.cache.Peek(key); ok {
		e.AccessCount = old.AccessCount
		s.cacheBytes -= old.SizeBytes // replaced in place, no evict callback
	}
	if err := s.persistCacheEntry(e); err != nil {
		return err
	}
	s.cache.Add(key, e)
	s.cacheBytes += e.SizeBytes
	s.evictOverBudget()
	return nil
}

func (s *Store) CacheGet(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, false
	}
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	e.AccessCount++
	e.LastAccessedAt = time.Now()
	if err := s.persistCacheEntry(e); err != nil {
		s.log.Warn("cache: access bookkeeping write failed", "key", key, "err", err)
	}
	return e.Value, true
}

func (s *Store) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *Store) CacheBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheBytes
}

func (s *Store) persistCacheEntry(e *CacheEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return storageErr("cacheput", "", e.Key, err)
	}
	return storageErr("cacheput", "", e.Key, s.db.Set(cacheKey(e.Key), raw, s.wo))
}

func (s *Store) purgeCacheLocked() error {
	s.cache.Purge()
	s.cacheBytes = 0
	cp := []byte{litCache}
	return s.db.DeleteRange(cp, prefixEnd(cp), s.wo)
}
