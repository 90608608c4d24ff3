package credentialcache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Record is the process-local snapshot of an instance's live credential
// material. It mirrors the store; the store is always authoritative.
type Record struct {
	Bearer       string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       kernel.UserID
	Status       gateway.InstanceStatus
	Scope        string

	CachedAt              time.Time
	LastUsed              time.Time
	RefreshAttempts       int
	LastRefreshAttempt    *time.Time
	LastSuccessfulRefresh *time.Time
}

// usable reports whether the record can serve a request right now. A token
// expiring exactly now is already unusable.
func (r *Record) usable(now time.Time) bool {
	if r.Status != gateway.InstanceActive {
		return false
	}
	return r.ExpiresAt.After(now)
}

// Patch is the partial update applied by Patch. Nil fields stay untouched.
type Patch struct {
	Bearer       *string
	RefreshToken *string
	ExpiresAt    *time.Time
	Status       *gateway.InstanceStatus
	Scope        *string

	// CachedAt restamps the record's store-coherence clock. Set when the
	// patch carries values just read from the store.
	CachedAt *time.Time
}

// Stats is a point-in-time summary of cache contents.
type Stats struct {
	Size            int     `json:"size"`
	Expired         int     `json:"expired"`
	RecentlyUsed    int     `json:"recently_used"`
	AvgMinutesToTTL float64 `json:"avg_minutes_to_expiry"`
}

type shard struct {
	mu      sync.RWMutex
	records map[kernel.InstanceID]*Record
}

// Cache is a sharded in-memory credential cache. Capacity 0 disables
// eviction; otherwise each shard evicts its least-recently-used record when
// its slice of the capacity fills.
type Cache struct {
	shards   []*shard
	perShard int

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the cache's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given total capacity spread over shardCount
// shards. capacity <= 0 means unbounded; shardCount <= 0 defaults to 16.
func New(capacity, shardCount int, opts ...Option) *Cache {
	if shardCount <= 0 {
		shardCount = 16
	}

	perShard := 0
	if capacity > 0 {
		perShard = (capacity + shardCount - 1) / shardCount
	}

	c := &Cache{
		shards:   make([]*shard, shardCount),
		perShard: perShard,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{records: make(map[kernel.InstanceID]*Record)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(id kernel.InstanceID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy of the record when it is usable (active status, not yet
// expired) and bumps its last-used time. Unusable or absent entries return
// nil; expired entries are left in place for the maintenance sweep.
func (c *Cache) Get(id kernel.InstanceID) *Record {
	s := c.shardFor(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || !rec.usable(now) {
		return nil
	}
	rec.LastUsed = now
	out := *rec
	return &out
}

// Peek returns a copy of the record regardless of usability, without
// touching last-used. Nil when absent.
func (c *Cache) Peek(id kernel.InstanceID) *Record {
	s := c.shardFor(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// Put stores a record, overwriting any previous entry for the instance.
func (c *Cache) Put(id kernel.InstanceID, rec Record) {
	s := c.shardFor(id)
	now := c.now()

	if rec.CachedAt.IsZero() {
		rec.CachedAt = now
	}
	if rec.LastUsed.IsZero() {
		rec.LastUsed = now
	}
	if rec.Status == "" {
		rec.Status = gateway.InstanceActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists && c.perShard > 0 && len(s.records) >= c.perShard {
		s.evictOldestLocked()
	}
	s.records[id] = &rec
}

// evictOldestLocked drops the least-recently-used record in the shard.
func (s *shard) evictOldestLocked() {
	var victim kernel.InstanceID
	var oldest time.Time
	first := true
	for id, rec := range s.records {
		if first || rec.LastUsed.Before(oldest) {
			victim, oldest, first = id, rec.LastUsed, false
		}
	}
	if !first {
		delete(s.records, victim)
	}
}

// Patch applies a partial update in place. Returns false when the instance
// is not cached; callers needing the entry present should Put instead.
func (c *Cache) Patch(id kernel.InstanceID, p Patch) bool {
	s := c.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	if p.Bearer != nil {
		rec.Bearer = *p.Bearer
	}
	if p.RefreshToken != nil {
		rec.RefreshToken = *p.RefreshToken
	}
	if p.ExpiresAt != nil {
		rec.ExpiresAt = *p.ExpiresAt
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Scope != nil {
		rec.Scope = *p.Scope
	}
	if p.CachedAt != nil {
		rec.CachedAt = *p.CachedAt
	}
	return true
}

// Delete removes the record. Removing an absent id is a no-op.
func (c *Cache) Delete(id kernel.InstanceID) {
	s := c.shardFor(id)
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Clear empties the whole cache.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.records = make(map[kernel.InstanceID]*Record)
		s.mu.Unlock()
	}
}

// IDs snapshots every cached instance id.
func (c *Cache) IDs() []kernel.InstanceID {
	var ids []kernel.InstanceID
	for _, s := range c.shards {
		s.mu.RLock()
		for id := range s.records {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

// IncrementRefreshAttempts bumps the consecutive-failure counter and stamps
// the attempt time, returning the new count. Zero when the id is not cached.
func (c *Cache) IncrementRefreshAttempts(id kernel.InstanceID) int {
	s := c.shardFor(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return 0
	}
	rec.RefreshAttempts++
	rec.LastRefreshAttempt = &now
	return rec.RefreshAttempts
}

// ResetRefreshAttempts clears the failure counter after a successful refresh.
func (c *Cache) ResetRefreshAttempts(id kernel.InstanceID) {
	s := c.shardFor(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.RefreshAttempts = 0
		rec.LastSuccessfulRefresh = &now
	}
}

// Stats summarizes the cache for observability endpoints.
func (c *Cache) Stats() Stats {
	now := c.now()
	var stats Stats
	var minutesSum float64
	var unexpired int

	for _, s := range c.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			stats.Size++
			if !rec.ExpiresAt.After(now) {
				stats.Expired++
			} else {
				unexpired++
				minutesSum += rec.ExpiresAt.Sub(now).Minutes()
			}
			if now.Sub(rec.LastUsed) <= 5*time.Minute {
				stats.RecentlyUsed++
			}
		}
		s.mu.RUnlock()
	}

	if unexpired > 0 {
		stats.AvgMinutesToTTL = minutesSum / float64(unexpired)
	}
	return stats
}
