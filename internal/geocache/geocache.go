// Package geocache maps circular "nearby records" queries to previously
// fetched result sets.
//
// A lookup classifies as a full hit (a live entry covers the requested
// circle), a partial hit (an in-flight request already reserved this
// area; stale records, if any, are returned as a placeholder), or a
// miss (a fresh requestId is minted and reserved). Check-plus-reserve
// and commit are a single critical section, so two concurrent lookups
// for overlapping keys share one in-flight requestId instead of both
// minting fresh ones.
package geocache

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"echopin/internal/geo"
)

// Defaults.
const (
	DefaultTTL             = 5 * time.Minute
	DefaultCenterTolerance = 250.0 // meters
	DefaultReservationTTL  = time.Minute
)

// Kind classifies a lookup result.
type Kind int

const (
	// Miss means no usable entry or reservation exists; the lookup
	// minted and reserved a fresh requestId.
	Miss Kind = iota
	// Hit means a live entry covered the request.
	Hit
	// PartialHit means a request for this area is already in flight;
	// the caller should refresh under the returned requestId.
	PartialHit
)

// String returns the lookup kind for logs.
func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case PartialHit:
		return "partial"
	default:
		return "miss"
	}
}

// Lookup is the result of Check.
type Lookup struct {
	Kind Kind

	// Records holds the cached result set for a Hit, or stale
	// placeholder records (possibly empty) for a PartialHit.
	Records []geo.LocatedRecord

	// RequestID identifies the in-flight fetch for Miss and PartialHit.
	// Empty for a Hit.
	RequestID string
}

// entry is a committed result set. Owned exclusively by the cache;
// destroyed on expiry or invalidation.
type entry struct {
	key       geo.QueryKey
	records   []geo.LocatedRecord
	requestID string
	createdAt time.Time
}

// reservation marks an area with a fetch in flight.
type reservation struct {
	key       geo.QueryKey
	createdAt time.Time
}

// Config tunes the cache.
type Config struct {
	// TTL is the maximum entry age before lazy eviction.
	TTL time.Duration

	// CenterToleranceMeters bounds how far apart two query centers may
	// be while still treated as the same area.
	CenterToleranceMeters float64

	// ReservationTTL bounds how long an uncommitted reservation blocks
	// fresh misses for its area. Guards against callers that never
	// commit nor abort.
	ReservationTTL time.Duration
}

// DefaultConfig returns the standard cache tuning.
func DefaultConfig() Config {
	return Config{
		TTL:                   DefaultTTL,
		CenterToleranceMeters: DefaultCenterTolerance,
		ReservationTTL:        DefaultReservationTTL,
	}
}

// Cache is the spatial result cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu  sync.Mutex
	log logr.Logger
	cfg Config

	// entries is keyed by the requestId that committed them.
	entries      *ttlcache.Cache[string, *entry]
	reservations map[string]reservation
}

// New creates a Cache. Zero config fields fall back to defaults.
func New(cfg Config, log logr.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CenterToleranceMeters <= 0 {
		cfg.CenterToleranceMeters = DefaultCenterTolerance
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}

	return &Cache{
		log: log,
		cfg: cfg,
		entries: ttlcache.New(
			ttlcache.WithTTL[string, *entry](cfg.TTL),
			ttlcache.WithDisableTouchOnHit[string, *entry](),
		),
		reservations: make(map[string]reservation),
	}
}

// Check classifies a query against the cache and, on a miss, reserves a
// fresh requestId for it. Expired entries and dead reservations are
// evicted here; there is no background sweep. An expired entry whose
// area has a fetch in flight is retained as a stale placeholder until
// the refresh commits.
func (c *Cache) Check(key geo.QueryKey) Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.evictExpiredLocked()

	now := time.Now()

	// Full hit against a live entry.
	var hit *entry
	c.entries.Range(func(item *ttlcache.Item[string, *entry]) bool {
		if item.IsExpired() {
			return true
		}
		if item.Value().key.Matches(key, c.cfg.CenterToleranceMeters) {
			hit = item.Value()
			return false
		}
		return true
	})
	if hit != nil {
		return Lookup{Kind: Hit, Records: copyRecords(hit.records)}
	}

	// Join an outstanding reservation for the same area.
	c.pruneReservationsLocked(now)
	for id, r := range c.reservations {
		if r.key.Matches(key, c.cfg.CenterToleranceMeters) {
			lookup := Lookup{Kind: PartialHit, RequestID: id}
			// Stale records, expired or not, still beat an empty map.
			c.entries.Range(func(item *ttlcache.Item[string, *entry]) bool {
				if item.Value().key.Matches(key, c.cfg.CenterToleranceMeters) {
					lookup.Records = copyRecords(item.Value().records)
					return false
				}
				return true
			})
			return lookup
		}
	}

	return Lookup{Kind: Miss, RequestID: c.reserveLocked(key, now)}
}

// evictExpiredLocked drops expired entries, keeping those that serve as
// stale placeholders for an outstanding reservation. Caller holds c.mu.
func (c *Cache) evictExpiredLocked() {
	var dead []string
	c.entries.Range(func(item *ttlcache.Item[string, *entry]) bool {
		if !item.IsExpired() {
			return true
		}
		ekey := item.Value().key
		for _, r := range c.reservations {
			if r.key.Matches(ekey, c.cfg.CenterToleranceMeters) || ekey.Matches(r.key, c.cfg.CenterToleranceMeters) {
				return true
			}
		}
		dead = append(dead, item.Key())
		return true
	})
	for _, id := range dead {
		c.entries.Delete(id)
	}
}

// Reserve mints a requestId for a forced refresh, bypassing hit
// classification. Outstanding reservations covering the same area are
// superseded so their eventual commits become no-ops.
func (c *Cache) Reserve(key geo.QueryKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, r := range c.reservations {
		if r.key.Matches(key, c.cfg.CenterToleranceMeters) || key.Matches(r.key, c.cfg.CenterToleranceMeters) {
			c.log.V(1).Info("geocache: superseding reservation", "requestID", id)
			delete(c.reservations, id)
		}
	}
	return c.reserveLocked(key, time.Now())
}

// Commit writes the entry for a requestId minted by Check or Reserve,
// or refreshes an entry previously committed under the same requestId.
// An unknown requestId (cache cleared or superseded mid-flight) is a
// logged no-op; it never overwrites newer data.
func (c *Cache) Commit(requestID string, key geo.QueryKey, records []geo.LocatedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, reserved := c.reservations[requestID]
	if !reserved && c.entries.Get(requestID) == nil {
		c.log.Info("geocache: commit for unknown requestId dropped", "requestID", requestID)
		return
	}
	delete(c.reservations, requestID)

	// Drop older entries this commit supersedes.
	var stale []string
	c.entries.Range(func(item *ttlcache.Item[string, *entry]) bool {
		if item.Key() != requestID && key.Matches(item.Value().key, c.cfg.CenterToleranceMeters) {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, id := range stale {
		c.entries.Delete(id)
	}

	c.entries.Set(requestID, &entry{
		key:       key,
		records:   copyRecords(records),
		requestID: requestID,
		createdAt: time.Now(),
	}, ttlcache.DefaultTTL)
}

// Abort releases a reservation whose fetch failed, so later lookups for
// the area mint a fresh requestId instead of joining a dead one.
func (c *Cache) Abort(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reservations[requestID]; !ok {
		c.log.V(1).Info("geocache: abort for unknown requestId", "requestID", requestID)
		return
	}
	delete(c.reservations, requestID)
}

// InvalidateAll drops every entry and reservation.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.DeleteAll()
	c.reservations = make(map[string]reservation)
}

// Len returns the number of stored entries, expired included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// reserveLocked mints and stores a reservation. Caller holds c.mu.
func (c *Cache) reserveLocked(key geo.QueryKey, now time.Time) string {
	id := uuid.NewString()
	c.reservations[id] = reservation{key: key, createdAt: now}
	return id
}

// pruneReservationsLocked drops reservations past ReservationTTL.
// Caller holds c.mu.
func (c *Cache) pruneReservationsLocked(now time.Time) {
	for id, r := range c.reservations {
		if now.Sub(r.createdAt) > c.cfg.ReservationTTL {
			c.log.V(1).Info("geocache: expiring dead reservation", "requestID", id)
			delete(c.reservations, id)
		}
	}
}

func copyRecords(in []geo.LocatedRecord) []geo.LocatedRecord {
	out := make([]geo.LocatedRecord, len(in))
	copy(out, in)
	return out
}
