package audio

import (
	"errors"
	"io"

	"github.com/go-logr/logr"
)

// ErrDeviceBusy is returned by the Controller when the device is held
// by a non-interruptible operation.
var ErrDeviceBusy = errors.New("audio: device busy")

// Transport performs the actual device I/O. Implemented by the
// platform/SDK layer outside the core; callers invoke it only after a
// successful lease grant.
type Transport interface {
	// StartPlayback begins playing the note at uri on behalf of ownerId.
	StartPlayback(ownerID, uri string) error

	// StartRecording begins capturing into sink on behalf of ownerId.
	StartRecording(ownerID string, sink io.Writer) error

	// Stop halts whatever ownerId is doing with the device.
	Stop(ownerID string) error
}

// Config tunes the Controller.
type Config struct {
	// PlaybackInterruptible marks playback leases as revocable, letting
	// a recording request preempt active playback.
	PlaybackInterruptible bool
}

// DefaultConfig returns the standard controller tuning.
func DefaultConfig() Config {
	return Config{PlaybackInterruptible: true}
}

// Controller couples lease arbitration with transport I/O so callers
// cannot start device work without holding a lease.
type Controller struct {
	log       logr.Logger
	cfg       Config
	arbiter   *Arbiter
	transport Transport
}

// NewController creates a Controller over the given arbiter and transport.
func NewController(arbiter *Arbiter, transport Transport, cfg Config, log logr.Logger) *Controller {
	c := &Controller{log: log, cfg: cfg, arbiter: arbiter, transport: transport}
	arbiter.AddObserver(&transportStopper{log: log, transport: transport})
	return c
}

// Play acquires a playing lease for ownerId and starts playback.
// Whether recording may preempt it follows Config.PlaybackInterruptible.
func (c *Controller) Play(ownerID, uri string) error {
	if !c.arbiter.RequestLease(KindPlaying, ownerID, c.cfg.PlaybackInterruptible) {
		return ErrDeviceBusy
	}
	if err := c.transport.StartPlayback(ownerID, uri); err != nil {
		c.arbiter.Release(ownerID)
		return err
	}
	return nil
}

// Record acquires a recording lease for ownerId and starts capture.
// Recording is not interruptible; a live take is never torn down by a
// playback request.
func (c *Controller) Record(ownerID string, sink io.Writer) error {
	if !c.arbiter.RequestLease(KindRecording, ownerID, false) {
		return ErrDeviceBusy
	}
	if err := c.transport.StartRecording(ownerID, sink); err != nil {
		c.arbiter.Release(ownerID)
		return err
	}
	return nil
}

// Stop ends ownerId's operation and releases its lease.
func (c *Controller) Stop(ownerID string) error {
	err := c.transport.Stop(ownerID)
	c.arbiter.Release(ownerID)
	return err
}

// Shutdown force-releases the device during process teardown.
func (c *Controller) Shutdown() {
	c.arbiter.ForceReleaseAll()
}

// transportStopper stops device I/O for holders that lose their lease
// through preemption or forced release.
type transportStopper struct {
	log       logr.Logger
	transport Transport
}

func (s *transportStopper) LeaseStarted(Lease) {}

func (s *transportStopper) LeaseStopped(Lease) {}

func (s *transportStopper) LeaseInterrupted(lease Lease, reason InterruptReason) {
	if err := s.transport.Stop(lease.OwnerID); err != nil {
		s.log.V(1).Info("audio: stop after interrupt failed",
			"owner", lease.OwnerID, "reason", reason, "error", err)
	}
}
