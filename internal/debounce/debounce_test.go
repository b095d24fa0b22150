package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopin/internal/geo"
)

// collector records callbacks under a lock so timer goroutines and the
// test body never race.
type collector struct {
	mu    sync.Mutex
	moves []geo.CameraPosition
	quiet []geo.CameraPosition
}

func (c *collector) onMove(pos, prev geo.CameraPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves = append(c.moves, pos)
}

func (c *collector) onQuiet(pos geo.CameraPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quiet = append(c.quiet, pos)
}

func (c *collector) snapshot() (moves, quiet []geo.CameraPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]geo.CameraPosition(nil), c.moves...), append([]geo.CameraPosition(nil), c.quiet...)
}

func newTestDebouncer(delay time.Duration, col *collector) *Debouncer {
	cfg := DefaultConfig()
	cfg.Delay = delay
	cfg.OnSignificantMove = col.onMove
	cfg.OnQuietPeriod = col.onQuiet
	return New(cfg, logr.Discard())
}

func pos(lat, lon, zoom float64) geo.CameraPosition {
	return geo.CameraPosition{Center: geo.LatLng{Lat: lat, Lon: lon}, Zoom: zoom}
}

func TestFirstEventAlwaysQualifies(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(20*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))

	moves, _ := col.snapshot()
	require.Len(t, moves, 1)
}

func TestSubThresholdMoveIsDropped(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(30*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))
	// A few meters at zoom 15 is well under 75px.
	d.OnCameraChanged(pos(30.00001, 120.00001, 15))

	moves, _ := col.snapshot()
	assert.Len(t, moves, 1)

	// The dropped event must not have touched last-accepted state.
	last, ok := d.LastAccepted()
	require.True(t, ok)
	assert.Equal(t, pos(30, 120, 15), last)
}

func TestZoomChangeQualifies(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(30*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))
	d.OnCameraChanged(pos(30, 120, 15.5))

	moves, _ := col.snapshot()
	assert.Len(t, moves, 2)
}

func TestZoomEpsilonBoundary(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(30*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))
	// Exactly 0.1 does not qualify; the contract is strictly greater.
	d.OnCameraChanged(pos(30, 120, 15.1))

	moves, _ := col.snapshot()
	assert.Len(t, moves, 1)
}

func TestBurstCoalescesToOneQuietSignal(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(400*time.Millisecond, col)

	// Ten qualifying events 50ms apart; each hop is large at zoom 15.
	last := pos(30, 120, 15)
	for i := 0; i < 10; i++ {
		last = pos(30+float64(i)*0.01, 120, 15)
		d.OnCameraChanged(last)
		time.Sleep(50 * time.Millisecond)
	}

	// Let the quiet period elapse after the final event.
	time.Sleep(500 * time.Millisecond)

	moves, quiet := col.snapshot()
	assert.Len(t, moves, 10)
	require.Len(t, quiet, 1, "burst must coalesce into exactly one quiet signal")
	assert.Equal(t, last, quiet[0], "quiet signal carries the last position")
}

func TestQuietSignalAfterSingleJump(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(40*time.Millisecond, col)

	d.OnCameraChanged(pos(30.0, 120.0, 15))

	time.Sleep(100 * time.Millisecond)

	moves, quiet := col.snapshot()
	assert.Len(t, moves, 1)
	require.Len(t, quiet, 1)
	assert.Equal(t, pos(30.0, 120.0, 15), quiet[0])
}

func TestResetCancelsPendingTimer(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(40*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))
	d.Reset()

	time.Sleep(100 * time.Millisecond)

	_, quiet := col.snapshot()
	assert.Empty(t, quiet, "reset must cancel the pending quiet signal")

	_, ok := d.LastAccepted()
	assert.False(t, ok)
}

func TestNonQualifyingEventDoesNotRestartTimer(t *testing.T) {
	col := &collector{}
	d := newTestDebouncer(60*time.Millisecond, col)

	d.OnCameraChanged(pos(30, 120, 15))

	// Keep feeding sub-threshold noise past the quiet period; it must
	// not keep pushing the timer out.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		d.OnCameraChanged(pos(30.0000001, 120.0000001, 15))
	}

	_, quiet := col.snapshot()
	require.Len(t, quiet, 1)
}
