// Package nearby orchestrates the "records near the current viewport"
// flow: camera events are debounced into load signals, classified
// against the spatial cache, and the remaining network work runs under
// the retry executor before results are published to subscribers.
//
// A fetch failure never clears published data. The pipeline degrades to
// the last known good result set and surfaces the error as an advisory
// alongside it.
package nearby

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"echopin/internal/debounce"
	"echopin/internal/geo"
	"echopin/internal/geocache"
	"echopin/internal/metrics"
	"echopin/internal/ratelimit"
	"echopin/internal/remote"
	"echopin/internal/retry"
)

// Defaults.
const (
	DefaultSearchRadius      = 5000.0 // meters
	DefaultDetailConcurrency = 4
	DefaultFetchTimeout      = 15 * time.Second
	DefaultRefreshPerSec     = 0.5
	DefaultRefreshBurst      = 3
)

// ErrNotStarted is returned for loads requested before Start.
var ErrNotStarted = errors.New("nearby: pipeline not started")

// Update is one publication to subscribers.
type Update struct {
	// Records is the current result set. On a fetch failure this is
	// the last known good set, possibly empty, never cleared.
	Records []geo.LocatedRecord

	// Stale marks a partial-hit placeholder published while a refresh
	// is still in flight.
	Stale bool

	// Err is an advisory fetch error for UI display. Records remain
	// usable when it is set.
	Err error
}

// Subscriber receives updates. Delivery is synchronous with panics
// isolated per subscriber.
type Subscriber func(Update)

// Config tunes the pipeline.
type Config struct {
	// SearchRadiusMeters is the query radius around the camera center.
	SearchRadiusMeters float64

	// DetailConcurrency bounds the coordinate-resolution fan-out.
	DetailConcurrency int

	// FetchTimeout bounds one whole fetch, retries included.
	FetchTimeout time.Duration

	// Policy is the retry policy for list and detail calls. The zero
	// value means retry.DefaultPolicy.
	Policy retry.Policy

	// Debounce tunes the camera debouncer (callbacks are ignored; the
	// pipeline installs its own).
	Debounce debounce.Config

	// RefreshPerSec and RefreshBurst throttle forced refreshes.
	RefreshPerSec float64
	RefreshBurst  int
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		SearchRadiusMeters: DefaultSearchRadius,
		DetailConcurrency:  DefaultDetailConcurrency,
		FetchTimeout:       DefaultFetchTimeout,
		Policy:             retry.DefaultPolicy(),
		Debounce:           debounce.DefaultConfig(),
		RefreshPerSec:      DefaultRefreshPerSec,
		RefreshBurst:       DefaultRefreshBurst,
	}
}

// Pipeline is the composition root for the nearby-records use case.
type Pipeline struct {
	log    logr.Logger
	cfg    Config
	cache  *geocache.Cache
	exec   *retry.Executor
	client remote.Client
	deb    *debounce.Debouncer
	rl     *ratelimit.Limiter

	mu          sync.Mutex
	subscribers []Subscriber
	lastGood    []geo.LocatedRecord
	inflight    map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a Pipeline. Zero config fields fall back to defaults.
func New(cfg Config, cache *geocache.Cache, exec *retry.Executor, client remote.Client, log logr.Logger) *Pipeline {
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = DefaultSearchRadius
	}
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = DefaultDetailConcurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.RefreshPerSec <= 0 {
		cfg.RefreshPerSec = DefaultRefreshPerSec
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = DefaultRefreshBurst
	}

	p := &Pipeline{
		log:      log,
		cfg:      cfg,
		cache:    cache,
		exec:     exec,
		client:   client,
		rl:       ratelimit.New(cfg.RefreshPerSec, cfg.RefreshBurst),
		inflight: make(map[string]bool),
	}

	dcfg := cfg.Debounce
	dcfg.OnSignificantMove = p.onSignificantMove
	dcfg.OnQuietPeriod = p.onQuietPeriod
	p.deb = debounce.New(dcfg, log)

	return p
}

// Start arms the pipeline. Loads triggered before Start are dropped.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
}

// Stop cancels in-flight fetches, the pending debounce timer, and
// waits for background work to drain.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	p.deb.Reset()
	cancel()
	p.wg.Wait()
}

// Subscribe registers a subscriber for published updates.
func (p *Pipeline) Subscribe(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// OnCameraChanged feeds one camera snapshot into the debouncer.
func (p *Pipeline) OnCameraChanged(pos geo.CameraPosition) {
	p.deb.OnCameraChanged(pos)
}

// Refresh forces a reload for pos, bypassing hit classification but
// reusing the normal commit path. Any pending debounce timer for the
// superseded viewport is cancelled.
func (p *Pipeline) Refresh(pos geo.CameraPosition) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.mu.Unlock()

	if !p.rl.Allow() {
		p.log.Info("nearby: forced refresh throttled")
		return ratelimit.ErrLimited
	}

	p.deb.Reset()

	key := p.keyFor(pos)
	requestID := p.cache.Reserve(key)
	p.log.Info("nearby: forced refresh", "center", key.Center, "requestID", requestID)
	p.spawnFetch(requestID, key, nil)
	return nil
}

// InvalidateCache drops all cached results and cancels any pending
// debounce timer.
func (p *Pipeline) InvalidateCache() {
	p.deb.Reset()
	p.cache.InvalidateAll()
}

// LastPublished returns the most recent good result set.
func (p *Pipeline) LastPublished() []geo.LocatedRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]geo.LocatedRecord, len(p.lastGood))
	copy(out, p.lastGood)
	return out
}

// Stats reports a snapshot of pipeline activity.
type Stats struct {
	Retry        retry.Snapshot
	CacheEntries int
	Published    int
}

// Snapshot returns current pipeline statistics.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	published := len(p.lastGood)
	p.mu.Unlock()
	return Stats{
		Retry:        p.exec.Stats(),
		CacheEntries: p.cache.Len(),
		Published:    published,
	}
}

// onSignificantMove is the debouncer's synchronous movement callback.
func (p *Pipeline) onSignificantMove(pos, previous geo.CameraPosition) {
	p.log.V(1).Info("nearby: significant move",
		"from", previous.Center, "to", pos.Center, "zoom", pos.Zoom)
}

// onQuietPeriod runs on the debounce timer goroutine once the camera
// settles.
func (p *Pipeline) onQuietPeriod(pos geo.CameraPosition) {
	p.load(pos)
}

// load classifies the viewport query and starts whatever fetch work
// remains.
func (p *Pipeline) load(pos geo.CameraPosition) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	key := p.keyFor(pos)
	lookup := p.cache.Check(key)
	metrics.RecordCacheLookup(lookup.Kind.String())

	switch lookup.Kind {
	case geocache.Hit:
		p.log.V(1).Info("nearby: cache hit", "center", key.Center, "records", len(lookup.Records))
		p.publishGood(lookup.Records, false)

	case geocache.PartialHit:
		// Stale data first so the map is never empty, then refresh
		// under the shared in-flight requestId.
		if len(lookup.Records) > 0 {
			p.publish(Update{Records: lookup.Records, Stale: true})
		}
		p.spawnFetch(lookup.RequestID, key, lookup.Records)

	case geocache.Miss:
		p.spawnFetch(lookup.RequestID, key, nil)
	}
}

// spawnFetch starts the network fetch for requestID unless one is
// already running in this pipeline.
func (p *Pipeline) spawnFetch(requestID string, key geo.QueryKey, stale []geo.LocatedRecord) {
	p.mu.Lock()
	if !p.started || p.inflight[requestID] {
		p.mu.Unlock()
		return
	}
	p.inflight[requestID] = true
	ctx := p.ctx
	// Count the goroutine while still holding the started check, so a
	// concurrent Stop cannot pass wg.Wait before it is registered.
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, requestID)
			p.mu.Unlock()
		}()
		p.fetch(ctx, requestID, key)
	}()
}

// fetch performs the list call under retry, commits and publishes the
// result, and resolves missing coordinates.
func (p *Pipeline) fetch(ctx context.Context, requestID string, key geo.QueryKey) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	out := retry.Do(fctx, p.exec, p.cfg.Policy, func(ctx context.Context) ([]geo.LocatedRecord, error) {
		return p.client.ListNearby(ctx, key.Center, key.RadiusMeters)
	}, retryLogger{log: p.log, what: "list"})

	metrics.RecordRetries(int64(out.Attempts - 1))
	metrics.RecordFetch(out.Success(), time.Since(start).Seconds())

	if !out.Success() {
		// Degrade: keep whatever was already published and surface the
		// error as advisory. The dead reservation is released so later
		// lookups mint a fresh requestId.
		p.cache.Abort(requestID)
		p.log.Error(out.Err, "nearby: fetch failed", "requestID", requestID, "attempts", out.Attempts)
		p.mu.Lock()
		last := make([]geo.LocatedRecord, len(p.lastGood))
		copy(last, p.lastGood)
		p.mu.Unlock()
		p.publish(Update{Records: last, Err: out.Err})
		return
	}

	records := out.Value
	p.cache.Commit(requestID, key, records)
	p.publishGood(records, false)

	resolved := p.resolveDetails(fctx, records)
	if resolved != nil {
		p.cache.Commit(requestID, key, resolved)
		p.publishGood(resolved, false)
	}
}

// resolveDetails fans out bounded detail calls for records lacking
// precise coordinates, publishing the merged list as each resolves.
// Returns the completed set, or nil when nothing needed resolution.
func (p *Pipeline) resolveDetails(ctx context.Context, records []geo.LocatedRecord) []geo.LocatedRecord {
	var pending []int
	for i, r := range records {
		if !r.HasCoordinates {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	merged := make([]geo.LocatedRecord, len(records))
	copy(merged, records)
	var mergedMu sync.Mutex

	sem := make(chan struct{}, p.cfg.DetailConcurrency)
	var wg sync.WaitGroup
	for _, idx := range pending {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id := merged[idx].ID
			out := retry.Do(ctx, p.exec, p.cfg.Policy, func(ctx context.Context) (geo.LocatedRecord, error) {
				return p.client.GetDetail(ctx, id)
			}, retryLogger{log: p.log, what: "detail"})
			metrics.RecordRetries(int64(out.Attempts - 1))
			if !out.Success() {
				p.log.V(1).Info("nearby: detail resolution failed", "id", id, "error", out.Err)
				return
			}

			// Publishing under mergedMu keeps the incremental stream
			// monotonic: a later, more complete snapshot can never be
			// overtaken by an earlier one.
			mergedMu.Lock()
			merged[idx] = out.Value
			snapshot := make([]geo.LocatedRecord, len(merged))
			copy(snapshot, merged)
			p.publishGood(snapshot, false)
			mergedMu.Unlock()
		}(idx)
	}
	wg.Wait()

	return merged
}

// keyFor builds the query key for a camera position.
func (p *Pipeline) keyFor(pos geo.CameraPosition) geo.QueryKey {
	return geo.QueryKey{Center: pos.Center, RadiusMeters: p.cfg.SearchRadiusMeters}
}

// publishGood records a new last-known-good set and publishes it.
func (p *Pipeline) publishGood(records []geo.LocatedRecord, stale bool) {
	p.mu.Lock()
	p.lastGood = make([]geo.LocatedRecord, len(records))
	copy(p.lastGood, records)
	p.mu.Unlock()
	p.publish(Update{Records: records, Stale: stale})
}

// publish delivers an update to all subscribers, isolating panics per
// subscriber.
func (p *Pipeline) publish(update Update) {
	p.mu.Lock()
	subs := make([]Subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	metrics.RecordPublish()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Info("nearby: subscriber panicked", "panic", r)
				}
			}()
			fn(update)
		}()
	}
}

// retryLogger adapts the retry listener to structured logs.
type retryLogger struct {
	log  logr.Logger
	what string
}

func (r retryLogger) AttemptFailed(attempt int, err error) {
	r.log.V(1).Info("nearby: attempt failed", "op", r.what, "attempt", attempt, "error", err)
}

func (r retryLogger) AttemptScheduled(next int, delay time.Duration) {
	r.log.V(1).Info("nearby: retry scheduled", "op", r.what, "attempt", next, "delay", delay)
}

func (r retryLogger) Succeeded(attempt int, elapsed time.Duration) {
	if attempt > 1 {
		r.log.V(1).Info("nearby: recovered after retries", "op", r.what, "attempts", attempt, "elapsed", elapsed)
	}
}

func (r retryLogger) Exhausted(attempts int, lastErr error, elapsed time.Duration) {
	r.log.V(1).Info("nearby: retries exhausted", "op", r.what, "attempts", attempts, "error", lastErr)
}
