// Package debounce turns the noisy stream of map-camera movements into
// a minimal set of load signals.
//
// Movements below a screen-pixel threshold are suppressed entirely. A
// qualifying movement fires a synchronous significant-move callback and
// restarts a trailing quiet-period timer, so a burst of pans collapses
// into one load signal carrying the last position of the burst.
package debounce

import (
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"echopin/internal/geo"
)

// Defaults.
const (
	DefaultDelay       = 400 * time.Millisecond
	DefaultThresholdPx = 75.0
	DefaultZoomEpsilon = 0.1
)

// Config tunes the debouncer.
type Config struct {
	// Delay is the quiet period after the last qualifying event.
	Delay time.Duration

	// ThresholdPx is the minimum camera movement, in screen pixels at
	// the current zoom, that counts as a qualifying event.
	ThresholdPx float64

	// ZoomEpsilon is the zoom delta above which an event qualifies
	// regardless of pixel distance.
	ZoomEpsilon float64

	// OnSignificantMove fires synchronously for every qualifying event.
	OnSignificantMove func(pos, previous geo.CameraPosition)

	// OnQuietPeriod fires once the camera has settled, carrying the
	// last qualifying position.
	OnQuietPeriod func(pos geo.CameraPosition)
}

// DefaultConfig returns the standard tuning without callbacks.
func DefaultConfig() Config {
	return Config{
		Delay:       DefaultDelay,
		ThresholdPx: DefaultThresholdPx,
		ZoomEpsilon: DefaultZoomEpsilon,
	}
}

// Debouncer consumes camera-position events. It is safe for concurrent
// use, though a single UI-bound caller is the expected producer; the
// quiet-period callback runs on a timer goroutine.
type Debouncer struct {
	mu  sync.Mutex
	log logr.Logger
	cfg Config

	accepted     bool
	lastAccepted geo.CameraPosition

	timer *time.Timer
	gen   uint64
}

// New creates a Debouncer. Zero tuning fields fall back to defaults.
func New(cfg Config, log logr.Logger) *Debouncer {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.ThresholdPx <= 0 {
		cfg.ThresholdPx = DefaultThresholdPx
	}
	if cfg.ZoomEpsilon <= 0 {
		cfg.ZoomEpsilon = DefaultZoomEpsilon
	}
	return &Debouncer{log: log, cfg: cfg}
}

// OnCameraChanged feeds one camera snapshot through the threshold test.
// The first event after construction or Reset always qualifies.
func (d *Debouncer) OnCameraChanged(pos geo.CameraPosition) {
	d.mu.Lock()

	previous := d.lastAccepted
	if d.accepted && !d.qualifies(previous, pos) {
		d.mu.Unlock()
		return
	}

	d.accepted = true
	d.lastAccepted = pos
	d.restartTimerLocked(pos)
	onMove := d.cfg.OnSignificantMove
	d.mu.Unlock()

	if onMove != nil {
		onMove(pos, previous)
	}
}

// Reset cancels any pending quiet-period signal and forgets the last
// accepted position.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.accepted = false
	d.lastAccepted = geo.CameraPosition{}
}

// LastAccepted returns the most recent qualifying position, if any.
func (d *Debouncer) LastAccepted() (geo.CameraPosition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAccepted, d.accepted
}

// qualifies applies the movement/zoom threshold test.
func (d *Debouncer) qualifies(from, to geo.CameraPosition) bool {
	if math.Abs(to.Zoom-from.Zoom) > d.cfg.ZoomEpsilon {
		return true
	}
	return geo.PixelDistance(from.Center, to.Center, to.Zoom) >= d.cfg.ThresholdPx
}

// restartTimerLocked arms the quiet-period timer for pos, cancelling
// any pending one. Caller holds d.mu.
func (d *Debouncer) restartTimerLocked(pos geo.CameraPosition) {
	d.gen++
	gen := d.gen

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.cfg.Delay, func() {
		d.fire(gen, pos)
	})
}

// fire delivers the quiet-period signal unless a newer qualifying event
// or a Reset superseded this timer.
func (d *Debouncer) fire(gen uint64, pos geo.CameraPosition) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	onQuiet := d.cfg.OnQuietPeriod
	d.mu.Unlock()

	if onQuiet != nil {
		d.log.V(1).Info("debounce: quiet period elapsed", "center", pos.Center, "zoom", pos.Zoom)
		onQuiet(pos)
	}
}
