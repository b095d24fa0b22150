// echopin-sim drives the client coordination core against simulated
// map and audio backends. It replays a scripted camera path through
// the nearby pipeline, exercises cache hits and forced refreshes, and
// runs a playback/recording session through the audio arbiter.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"echopin/internal/audio"
	"echopin/internal/config"
	"echopin/internal/debounce"
	"echopin/internal/geo"
	"echopin/internal/geocache"
	"echopin/internal/health"
	"echopin/internal/logging"
	"echopin/internal/metrics"
	"echopin/internal/nearby"
	"echopin/internal/remote"
	"echopin/internal/retry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the configuration file")
		logLevel    = flag.String("log-level", "", "override the configured log level")
		seed        = flag.Int64("seed", 1, "seed for the simulated backend")
		noteCount   = flag.Int("notes", 40, "number of simulated voice notes per district")
		failureRate = flag.Float64("failure-rate", 0.2, "fraction of list calls that fail transiently")
		netLatency  = flag.Duration("latency", 30*time.Millisecond, "simulated network latency")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, log, reg, *seed, *noteCount, *failureRate, *netLatency); err != nil {
		log.Error(err, "simulation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, log logr.Logger, reg *prometheus.Registry, seed int64, notes int, failureRate float64, latency time.Duration) error {
	backend := newSimBackend(seed, notes, failureRate, latency, log.WithName("backend"))

	// Watch the config file so tuning edits made while the simulation
	// runs are picked up and logged; invalid rewrites keep the previous
	// configuration. The reloaded tuning applies to components
	// constructed afterwards.
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	loader := config.NewLoader(configPath, log)
	loader.OnChange(func(next *config.Config) {
		log.Info("tuning changed",
			"debounceDelayMs", next.Debounce.DelayMs,
			"thresholdPx", next.Debounce.ThresholdPx,
			"searchRadiusMeters", next.Query.SearchRadiusMeters,
			"cacheTTLSec", next.Cache.TTLSec,
			"retryMaxAttempts", next.Retry.MaxAttempts,
		)
	})
	if err := loader.Watch(); err != nil {
		log.Error(err, "config watch unavailable, continuing without hot reload")
	} else {
		defer loader.Close()
	}

	cache := geocache.New(geocache.Config{
		TTL:                   time.Duration(cfg.Cache.TTLSec) * time.Second,
		CenterToleranceMeters: cfg.Cache.CenterToleranceMeters,
		ReservationTTL:        time.Duration(cfg.Cache.ReservationTTLSec) * time.Second,
	}, log.WithName("geocache"))

	exec := retry.NewExecutor(log.WithName("retry"))

	pipeline := nearby.New(nearby.Config{
		SearchRadiusMeters: cfg.Query.SearchRadiusMeters,
		DetailConcurrency:  cfg.Query.DetailConcurrency,
		FetchTimeout:       cfg.FetchTimeout(),
		Policy: retry.Policy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialDelay:      time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
			MaxDelay:          time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			JitterFraction:    cfg.Retry.JitterFraction,
			Retryable:         remote.IsTransient,
		},
		Debounce: debounce.Config{
			Delay:       time.Duration(cfg.Debounce.DelayMs) * time.Millisecond,
			ThresholdPx: cfg.Debounce.ThresholdPx,
			ZoomEpsilon: cfg.Debounce.ZoomEpsilon,
		},
	}, cache, exec, backend, log.WithName("nearby"))

	pipeline.Subscribe(func(u nearby.Update) {
		switch {
		case u.Err != nil:
			log.Info("update (degraded)", "records", len(u.Records), "err", u.Err.Error())
		case u.Stale:
			log.Info("update (stale)", "records", len(u.Records))
		default:
			log.Info("update", "records", len(u.Records))
		}
	})

	pipeline.Start(ctx)
	defer pipeline.Stop()

	checker := health.NewChecker()
	checker.RegisterFunc("remote", true, func(ctx context.Context) health.CheckResult {
		if _, err := backend.ListNearby(ctx, geo.LatLng{Lat: 31.23, Lon: 121.47}, 100); err != nil {
			return health.Unhealthy("list probe failed", err)
		}
		return health.Healthy("reachable")
	})
	checker.RegisterFunc("geocache", false, func(context.Context) health.CheckResult {
		return health.Healthy(fmt.Sprintf("%d entries", cache.Len()))
	})

	if err := runCameraScript(ctx, cfg, pipeline, log); err != nil {
		return err
	}
	if err := runAudioSession(cfg, log); err != nil {
		return err
	}

	checker.Check(ctx)
	log.Info("health", "overall", checker.OverallStatus())

	report(pipeline, reg, log)
	return nil
}

// runCameraScript replays a user panning around a city: a burst of
// small drags, a settle, a pan to a second district, a return to the
// first (served from cache), and a forced refresh.
func runCameraScript(ctx context.Context, cfg *config.Config, pipeline *nearby.Pipeline, log logr.Logger) error {
	settle := time.Duration(cfg.Debounce.DelayMs)*time.Millisecond + 500*time.Millisecond

	harbor := geo.CameraPosition{Center: geo.LatLng{Lat: 31.2304, Lon: 121.4737}, Zoom: 15}
	oldTown := geo.CameraPosition{Center: geo.LatLng{Lat: 31.2500, Lon: 121.4500}, Zoom: 15}

	log.Info("drag burst toward harbor district")
	for i := 0; i < 8; i++ {
		frac := float64(i+1) / 8
		pipeline.OnCameraChanged(geo.CameraPosition{
			Center: geo.LatLng{
				Lat: 31.2200 + (harbor.Center.Lat-31.2200)*frac,
				Lon: 121.4600 + (harbor.Center.Lon-121.4600)*frac,
			},
			Zoom: 15,
		})
		if !sleepCtx(ctx, 40*time.Millisecond) {
			return ctx.Err()
		}
	}
	if !sleepCtx(ctx, settle) {
		return ctx.Err()
	}

	log.Info("pan to old town")
	pipeline.OnCameraChanged(oldTown)
	if !sleepCtx(ctx, settle) {
		return ctx.Err()
	}

	log.Info("return to harbor (cache hit expected)")
	pipeline.OnCameraChanged(harbor)
	if !sleepCtx(ctx, settle) {
		return ctx.Err()
	}

	log.Info("forced refresh at harbor")
	if err := pipeline.Refresh(harbor); err != nil {
		return err
	}
	if !sleepCtx(ctx, settle) {
		return ctx.Err()
	}
	return nil
}

// runAudioSession plays a note, preempts it with a recording, then
// shuts the controller down.
func runAudioSession(cfg *config.Config, log logr.Logger) error {
	arbiter := audio.NewArbiter(log.WithName("audio"))
	transport := newSimTransport(log.WithName("transport"))
	controller := audio.NewController(arbiter, transport, audio.Config{
		PlaybackInterruptible: cfg.Audio.PlaybackInterruptible,
	}, log.WithName("audio"))
	defer controller.Shutdown()

	log.Info("playing a nearby note")
	if err := controller.Play("listener", "note://harbor/1"); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	if cfg.Audio.PlaybackInterruptible {
		log.Info("recording a reply (preempts playback)")
		var buf bytes.Buffer
		if err := controller.Record("speaker", &buf); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		if err := controller.Stop("speaker"); err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
	}

	// A second playback request while nothing holds the device.
	if err := controller.Play("listener", "note://harbor/2"); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return controller.Stop("listener")
}

func report(pipeline *nearby.Pipeline, reg *prometheus.Registry, log logr.Logger) {
	stats := pipeline.Snapshot()
	log.Info("pipeline stats",
		"cacheEntries", stats.CacheEntries,
		"published", stats.Published,
		"retryInvocations", stats.Retry.Invocations,
		"retrySuccesses", stats.Retry.Successes,
		"retryRetries", stats.Retry.Retries,
	)

	families, err := reg.Gather()
	if err != nil {
		log.Error(err, "gather metrics")
		return
	}
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	sort.Strings(names)
	log.Info("registered metric families", "names", names)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// simBackend is an in-memory map source. Each call pays a simulated
// latency and a fraction of list calls fail with a transient error.
type simBackend struct {
	log         logr.Logger
	latency     time.Duration
	failureRate float64

	mu      sync.Mutex
	rng     *rand.Rand
	notes   int
	details map[string]geo.LatLng
}

func newSimBackend(seed int64, notes int, failureRate float64, latency time.Duration, log logr.Logger) *simBackend {
	return &simBackend{
		log:         log,
		latency:     latency,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
		notes:       notes,
		details:     make(map[string]geo.LatLng),
	}
}

func (b *simBackend) ListNearby(ctx context.Context, center geo.LatLng, radiusMeters float64) ([]geo.LocatedRecord, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng.Float64() < b.failureRate {
		b.log.V(1).Info("simulated transient failure")
		return nil, remote.Transient(fmt.Errorf("simulated network failure near %.4f,%.4f", center.Lat, center.Lon))
	}

	degreeRadius := radiusMeters / 111320.0
	records := make([]geo.LocatedRecord, 0, b.notes)
	for i := 0; i < b.notes; i++ {
		angle := b.rng.Float64() * 2 * math.Pi
		dist := b.rng.Float64() * degreeRadius
		pos := geo.LatLng{
			Lat: center.Lat + dist*math.Sin(angle),
			Lon: center.Lon + dist*math.Cos(angle),
		}
		rec := geo.LocatedRecord{
			ID:      uuid.NewString(),
			Payload: []byte(fmt.Sprintf("note %d", i)),
		}
		// A third of the notes arrive without coordinates and need a
		// detail lookup.
		if i%3 == 0 {
			b.details[rec.ID] = pos
		} else {
			rec.Coordinates = pos
			rec.HasCoordinates = true
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *simBackend) GetDetail(ctx context.Context, id string) (geo.LocatedRecord, error) {
	if err := b.wait(ctx); err != nil {
		return geo.LocatedRecord{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.details[id]
	if !ok {
		return geo.LocatedRecord{}, remote.Permanent(fmt.Errorf("no such record %s", id))
	}
	return geo.LocatedRecord{ID: id, Coordinates: pos, HasCoordinates: true}, nil
}

func (b *simBackend) wait(ctx context.Context) error {
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// simTransport logs device activity instead of touching hardware.
type simTransport struct {
	log logr.Logger
}

func newSimTransport(log logr.Logger) *simTransport {
	return &simTransport{log: log}
}

func (t *simTransport) StartPlayback(ownerID, uri string) error {
	t.log.Info("playback started", "owner", ownerID, "uri", uri)
	return nil
}

func (t *simTransport) StartRecording(ownerID string, sink io.Writer) error {
	t.log.Info("recording started", "owner", ownerID)
	_, err := sink.Write([]byte("simulated audio frames"))
	return err
}

func (t *simTransport) Stop(ownerID string) error {
	t.log.Info("device stopped", "owner", ownerID)
	return nil
}
