package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopin/internal/debounce"
	"echopin/internal/geo"
	"echopin/internal/geocache"
	"echopin/internal/ratelimit"
	"echopin/internal/remote"
	"echopin/internal/retry"
)

// fakeClient scripts the network collaborator.
type fakeClient struct {
	mu          sync.Mutex
	listCalls   int
	detailCalls int
	failFirst   int // first N list calls fail with a transient error
	listErr     error
	records     []geo.LocatedRecord
	details     map[string]geo.LocatedRecord
	detailErr   error
	listDelay   time.Duration
}

func (f *fakeClient) ListNearby(ctx context.Context, center geo.LatLng, radiusMeters float64) ([]geo.LocatedRecord, error) {
	f.mu.Lock()
	f.listCalls++
	delay := f.listDelay
	err := f.listErr
	if err == nil && f.listCalls <= f.failFirst {
		err = remote.Transient(errors.New("connection refused"))
	}
	recs := append([]geo.LocatedRecord(nil), f.records...)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (f *fakeClient) GetDetail(ctx context.Context, id string) (geo.LocatedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detailErr != nil {
		return geo.LocatedRecord{}, f.detailErr
	}
	rec, ok := f.details[id]
	if !ok {
		return geo.LocatedRecord{}, remote.Permanent(errors.New("not found"))
	}
	return rec, nil
}

func (f *fakeClient) calls() (list, detail int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.detailCalls
}

// sink collects published updates.
type sink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *sink) receive(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *sink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *sink) last() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return Update{}, false
	}
	return s.updates[len(s.updates)-1], true
}

func records(n int, located bool) []geo.LocatedRecord {
	recs := make([]geo.LocatedRecord, n)
	for i := range recs {
		recs[i] = geo.LocatedRecord{
			ID:             fmt.Sprintf("rec-%d", i),
			Coordinates:    geo.LatLng{Lat: 30.0, Lon: 120.0},
			HasCoordinates: located,
		}
	}
	return recs
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func newTestPipeline(t *testing.T, client *fakeClient) (*Pipeline, *sink, *geocache.Cache) {
	t.Helper()

	cache := geocache.New(geocache.DefaultConfig(), logr.Discard())
	exec := retry.NewExecutor(logr.Discard())

	cfg := DefaultConfig()
	cfg.Policy = fastPolicy()
	cfg.Debounce = debounce.DefaultConfig()
	cfg.Debounce.Delay = 40 * time.Millisecond

	p := New(cfg, cache, exec, client, logr.Discard())
	s := &sink{}
	p.Subscribe(s.receive)

	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, s, cache
}

func TestEndToEndCameraJump(t *testing.T) {
	client := &fakeClient{records: records(3, true)}
	p, s, cache := newTestPipeline(t, client)

	// Camera jumps from (30.0, 120.0) to (30.01, 120.01) at zoom 15,
	// far past the pixel threshold.
	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15})
	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.01, Lon: 120.01}, Zoom: 15})

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 3 && last.Err == nil
	}, 2*time.Second, 10*time.Millisecond)

	list, _ := client.calls()
	assert.Equal(t, 1, list, "burst must collapse into one network query")

	// The result landed in the cache under the settled viewport.
	key := geo.QueryKey{Center: geo.LatLng{Lat: 30.01, Lon: 120.01}, RadiusMeters: DefaultSearchRadius}
	assert.Equal(t, geocache.Hit, cache.Check(key).Kind)
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	client := &fakeClient{records: records(2, true)}
	p, s, _ := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	p.OnCameraChanged(pos)

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Pan away and let that viewport settle and fetch.
	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.1, Lon: 120.0}, Zoom: 15})
	require.Eventually(t, func() bool {
		list, _ := client.calls()
		return list == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Return to the first viewport: served from cache.
	p.OnCameraChanged(pos)
	time.Sleep(150 * time.Millisecond)
	list, _ := client.calls()
	assert.Equal(t, 2, list, "returning to a cached viewport must not refetch")
}

func TestFetchFailureDegradesToLastKnownGood(t *testing.T) {
	client := &fakeClient{records: records(3, true)}
	p, s, _ := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	p.OnCameraChanged(pos)
	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// The backend starts rejecting; a forced refresh fails all attempts.
	client.mu.Lock()
	client.listErr = remote.Permanent(errors.New("service rejected request"))
	client.mu.Unlock()

	require.NoError(t, p.Refresh(pos))

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && last.Err != nil
	}, 2*time.Second, 10*time.Millisecond)

	last, _ := s.last()
	assert.Len(t, last.Records, 3, "failure must not clear published data")
	assert.Len(t, p.LastPublished(), 3)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{records: records(1, true), failFirst: 2}
	p, s, _ := newTestPipeline(t, client)

	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15})

	// Two transient failures, then the third attempt succeeds.
	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && last.Err == nil && len(last.Records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	list, _ := client.calls()
	assert.Equal(t, 3, list)
}

func TestDetailResolutionPublishesIncrementally(t *testing.T) {
	recs := records(3, true)
	recs[1].HasCoordinates = false
	recs[2].HasCoordinates = false

	resolved1 := recs[1]
	resolved1.Coordinates = geo.LatLng{Lat: 30.001, Lon: 120.001}
	resolved1.HasCoordinates = true
	resolved2 := recs[2]
	resolved2.Coordinates = geo.LatLng{Lat: 30.002, Lon: 120.002}
	resolved2.HasCoordinates = true

	client := &fakeClient{
		records: recs,
		details: map[string]geo.LocatedRecord{
			recs[1].ID: resolved1,
			recs[2].ID: resolved2,
		},
	}
	p, s, cache := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	p.OnCameraChanged(pos)

	require.Eventually(t, func() bool {
		last, ok := s.last()
		if !ok || len(last.Records) != 3 {
			return false
		}
		for _, r := range last.Records {
			if !r.HasCoordinates {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, detail := client.calls()
	assert.Equal(t, 2, detail)

	// Initial list publish plus at least one incremental one.
	assert.GreaterOrEqual(t, len(s.all()), 2)

	// The completed set was re-committed under the same requestId.
	key := geo.QueryKey{Center: pos.Center, RadiusMeters: DefaultSearchRadius}
	lookup := cache.Check(key)
	require.Equal(t, geocache.Hit, lookup.Kind)
	for _, r := range lookup.Records {
		assert.True(t, r.HasCoordinates)
	}
}

func TestDetailFailureKeepsOriginalRecord(t *testing.T) {
	recs := records(2, true)
	recs[1].HasCoordinates = false

	client := &fakeClient{
		records:   recs,
		details:   map[string]geo.LocatedRecord{},
		detailErr: remote.Permanent(errors.New("gone")),
	}
	p, s, _ := newTestPipeline(t, client)

	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15})

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	last, _ := s.last()
	assert.Equal(t, recs[1].ID, last.Records[1].ID, "unresolvable record stays in the list")
}

func TestForcedRefreshBypassesCache(t *testing.T) {
	client := &fakeClient{records: records(2, true)}
	p, s, _ := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	p.OnCameraChanged(pos)
	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Fresh data appears server-side; a plain settle would hit the
	// cache, a forced refresh must not.
	client.mu.Lock()
	client.records = records(5, true)
	client.mu.Unlock()

	require.NoError(t, p.Refresh(pos))

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 5
	}, 2*time.Second, 10*time.Millisecond)

	list, _ := client.calls()
	assert.Equal(t, 2, list)
}

func TestDuplicateLoadsShareOneFetch(t *testing.T) {
	client := &fakeClient{records: records(1, true), listDelay: 150 * time.Millisecond}
	p, _, _ := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}

	// Two settles on the same viewport while the first fetch is slow:
	// the second classifies as a partial hit joining the in-flight
	// request, so only one network call happens.
	p.OnCameraChanged(pos)
	time.Sleep(60 * time.Millisecond) // first quiet period fires, fetch starts
	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.1, Lon: 120.0}, Zoom: 2})
	p.OnCameraChanged(pos)

	require.Eventually(t, func() bool {
		list, _ := client.calls()
		return list >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	list, _ := client.calls()
	assert.LessOrEqual(t, list, 2)
}

func TestRefreshBeforeStart(t *testing.T) {
	cache := geocache.New(geocache.DefaultConfig(), logr.Discard())
	exec := retry.NewExecutor(logr.Discard())
	p := New(DefaultConfig(), cache, exec, &fakeClient{}, logr.Discard())

	err := p.Refresh(geo.CameraPosition{Center: geo.LatLng{Lat: 30, Lon: 120}, Zoom: 15})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	client := &fakeClient{records: records(1, true)}
	cache := geocache.New(geocache.DefaultConfig(), logr.Discard())
	exec := retry.NewExecutor(logr.Discard())

	cfg := DefaultConfig()
	cfg.Policy = fastPolicy()
	cfg.Debounce.Delay = 30 * time.Millisecond

	p := New(cfg, cache, exec, client, logr.Discard())
	p.Subscribe(func(Update) { panic("subscriber bug") })
	s := &sink{}
	p.Subscribe(s.receive)

	p.Start(context.Background())
	t.Cleanup(p.Stop)

	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15})

	require.Eventually(t, func() bool {
		last, ok := s.last()
		return ok && len(last.Records) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForcedRefreshIsThrottled(t *testing.T) {
	client := &fakeClient{records: records(1, true)}
	cache := geocache.New(geocache.DefaultConfig(), logr.Discard())
	exec := retry.NewExecutor(logr.Discard())

	cfg := DefaultConfig()
	cfg.Policy = fastPolicy()
	cfg.RefreshPerSec = 0.001
	cfg.RefreshBurst = 2

	p := New(cfg, cache, exec, client, logr.Discard())
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	require.NoError(t, p.Refresh(pos))
	require.NoError(t, p.Refresh(pos))

	err := p.Refresh(pos)
	assert.ErrorIs(t, err, ratelimit.ErrLimited)
}

func TestStopWaitsForInflightFetch(t *testing.T) {
	client := &fakeClient{records: records(1, true), listDelay: 100 * time.Millisecond}
	p, s, _ := newTestPipeline(t, client)

	pos := geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15}
	require.NoError(t, p.Refresh(pos))

	// Let the fetch get on the wire, then stop mid-flight.
	require.Eventually(t, func() bool {
		list, _ := client.calls()
		return list >= 1
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	// Anything the cancelled fetch published landed before Stop
	// returned; nothing may arrive afterwards.
	before := len(s.all())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, before, len(s.all()))
}

func TestDetailPublishesAreMonotonic(t *testing.T) {
	recs := records(6, false)
	details := make(map[string]geo.LocatedRecord, len(recs))
	for _, r := range recs {
		details[r.ID] = geo.LocatedRecord{
			ID:             r.ID,
			Coordinates:    geo.LatLng{Lat: 30.001, Lon: 120.001},
			HasCoordinates: true,
		}
	}
	client := &fakeClient{records: recs, details: details}
	p, s, _ := newTestPipeline(t, client)

	p.OnCameraChanged(geo.CameraPosition{Center: geo.LatLng{Lat: 30.0, Lon: 120.0}, Zoom: 15})

	require.Eventually(t, func() bool {
		last, ok := s.last()
		if !ok || len(last.Records) != len(recs) {
			return false
		}
		for _, r := range last.Records {
			if !r.HasCoordinates {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Each successive good publish carries at least as many resolved
	// coordinates as the one before it.
	resolved := func(u Update) int {
		n := 0
		for _, r := range u.Records {
			if r.HasCoordinates {
				n++
			}
		}
		return n
	}
	prev := -1
	for _, u := range s.all() {
		if u.Stale || u.Err != nil {
			continue
		}
		n := resolved(u)
		assert.GreaterOrEqual(t, n, prev, "resolved count regressed across publishes")
		prev = n
	}
}
