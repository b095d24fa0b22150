// Package audio arbitrates exclusive access to the single physical
// audio device shared by playback and recording.
//
// The arbiter is a three-state machine (idle, playing, recording) that
// grants revocable leases to named operations. At most one non-idle
// lease exists at any instant; that mutual exclusion is the package's
// core invariant. Contention is never an error: a denied request is a
// normal boolean result.
package audio

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"echopin/internal/metrics"
)

// Kind is the class of audio operation a lease grants.
type Kind int

const (
	// KindIdle means no operation holds the device.
	KindIdle Kind = iota
	// KindPlaying is exclusive playback.
	KindPlaying
	// KindRecording is exclusive recording.
	KindRecording
)

// String returns the kind for logs.
func (k Kind) String() string {
	switch k {
	case KindPlaying:
		return "playing"
	case KindRecording:
		return "recording"
	default:
		return "idle"
	}
}

// Lease is the current grant. Replaced wholesale on preemption and
// reset to the zero value on release.
type Lease struct {
	Kind          Kind
	OwnerID       string
	StartedAt     time.Time
	Interruptible bool
}

// InterruptReason explains why a holder lost its lease.
type InterruptReason string

const (
	// ReasonPreempted means a conflicting request displaced the holder.
	ReasonPreempted InterruptReason = "preempted"
	// ReasonForced means forceReleaseAll tore the lease down.
	ReasonForced InterruptReason = "forced"
)

// Observer receives lease lifecycle events. Notification is synchronous
// and best effort: a panicking observer does not block delivery to the
// others or corrupt arbiter state.
type Observer interface {
	// LeaseStarted fires when a lease is granted from idle.
	LeaseStarted(lease Lease)

	// LeaseInterrupted fires when a holder is displaced.
	LeaseInterrupted(lease Lease, reason InterruptReason)

	// LeaseStopped fires when the holder releases normally.
	LeaseStopped(lease Lease)
}

// Arbiter is the single source of truth for who owns the audio device.
// Construct one per process in the composition root; all methods are
// safe for concurrent use.
type Arbiter struct {
	mu        sync.Mutex
	log       logr.Logger
	lease     Lease
	observers []Observer
}

// NewArbiter creates an idle Arbiter.
func NewArbiter(log logr.Logger) *Arbiter {
	return &Arbiter{log: log}
}

// AddObserver registers an observer for lifecycle events.
func (a *Arbiter) AddObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// RequestLease asks for exclusive kind access on behalf of ownerId.
//
// Re-entry by the current holder with the same kind is idempotent and
// returns true without a second started notification. A conflicting
// holder is preempted only if it declared itself interruptible;
// otherwise the request is denied with no state change.
func (a *Arbiter) RequestLease(kind Kind, ownerID string, interruptible bool) bool {
	if kind == KindIdle || ownerID == "" {
		return false
	}

	a.mu.Lock()

	// Idempotent re-entry.
	if a.lease.Kind == kind && a.lease.OwnerID == ownerID {
		a.mu.Unlock()
		metrics.RecordLeaseDecision("reentry")
		return true
	}

	var interrupted *Lease
	if a.lease.Kind != KindIdle {
		if !a.lease.Interruptible {
			held := a.lease
			a.mu.Unlock()
			a.log.V(1).Info("audio: lease denied",
				"kind", kind, "owner", ownerID,
				"holder", held.OwnerID, "holderKind", held.Kind)
			metrics.RecordLeaseDecision("denied")
			return false
		}
		old := a.lease
		interrupted = &old
	}

	a.lease = Lease{
		Kind:          kind,
		OwnerID:       ownerID,
		StartedAt:     time.Now(),
		Interruptible: interruptible,
	}
	granted := a.lease
	observers := a.observersLocked()
	a.mu.Unlock()

	if interrupted != nil {
		metrics.RecordLeaseDecision("preempted")
	} else {
		metrics.RecordLeaseDecision("granted")
	}

	if interrupted != nil {
		a.log.Info("audio: lease preempted",
			"holder", interrupted.OwnerID, "holderKind", interrupted.Kind,
			"by", ownerID, "kind", kind)
		for _, o := range observers {
			notifyObserver(a.log, func() { o.LeaseInterrupted(*interrupted, ReasonPreempted) })
		}
	}
	for _, o := range observers {
		notifyObserver(a.log, func() { o.LeaseStarted(granted) })
	}
	return true
}

// Release returns the device to idle. Only the current holder may
// release; a mismatched ownerId is a logged no-op.
func (a *Arbiter) Release(ownerID string) {
	a.mu.Lock()

	if a.lease.Kind == KindIdle || a.lease.OwnerID != ownerID {
		holder := a.lease.OwnerID
		a.mu.Unlock()
		a.log.V(1).Info("audio: release ignored",
			"owner", ownerID, "holder", holder)
		return
	}

	stopped := a.lease
	a.lease = Lease{}
	observers := a.observersLocked()
	a.mu.Unlock()

	for _, o := range observers {
		notifyObserver(a.log, func() { o.LeaseStopped(stopped) })
	}
}

// ForceReleaseAll unconditionally interrupts any holder, regardless of
// interruptibility. Process-teardown path.
func (a *Arbiter) ForceReleaseAll() {
	a.mu.Lock()

	if a.lease.Kind == KindIdle {
		a.mu.Unlock()
		return
	}

	interrupted := a.lease
	a.lease = Lease{}
	observers := a.observersLocked()
	a.mu.Unlock()

	a.log.Info("audio: forced release", "holder", interrupted.OwnerID, "kind", interrupted.Kind)
	for _, o := range observers {
		notifyObserver(a.log, func() { o.LeaseInterrupted(interrupted, ReasonForced) })
	}
}

// Current returns a snapshot of the active lease; Kind is KindIdle when
// nothing holds the device.
func (a *Arbiter) Current() Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lease
}

// observersLocked copies the observer list so notification happens
// outside the lock. Caller holds a.mu.
func (a *Arbiter) observersLocked() []Observer {
	out := make([]Observer, len(a.observers))
	copy(out, a.observers)
	return out
}

// notifyObserver delivers one callback, isolating panics per subscriber.
func notifyObserver(log logr.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Info("audio: observer panicked", "panic", r)
		}
	}()
	fn()
}
