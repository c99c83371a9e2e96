package reliabletransport

import (
	"sync"
	"time"
)

// Timer is the retransmission timer driven by the [Sender].
type Timer interface {
	// Arm (re)starts the timer for a full period.
	Arm()

	// Stop cancels the timer.
	Stop()

	// Armed returns whether the timer is running.
	Armed() bool
}

// EpochTimer is a [Timer] whose expirations are tagged with an epoch.
//
// Every call to Arm or Stop starts a new epoch, so that an expiration
// posted before the timer was re-armed or stopped can be recognized as
// stale with [EpochTimer.Fired] and ignored.
//
// The zero value is invalid; use [NewEpochTimer].
type EpochTimer struct {
	mu       sync.Mutex
	duration time.Duration
	epoch    uint64
	armed    bool
	timer    *time.Timer

	// fire is invoked in a background goroutine on expiration.
	fire func(epoch uint64)
}

var _ Timer = &EpochTimer{}

// NewEpochTimer returns a stopped timer with the given period. The fire
// callback usually posts the epoch to the goroutine owning the timer.
func NewEpochTimer(d time.Duration, fire func(epoch uint64)) *EpochTimer {
	return &EpochTimer{
		duration: d,
		fire:     fire,
	}
}

// Arm implements Timer.
func (t *EpochTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.armed = true
	epoch := t.epoch
	t.timer = time.AfterFunc(t.duration, func() {
		t.fire(epoch)
	})
}

// Stop implements Timer.
func (t *EpochTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *EpochTimer) stopLocked() {
	t.epoch++
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Armed implements Timer.
func (t *EpochTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Fired consumes an expiration. It returns true only if the epoch is the
// current one and the timer is still armed; the timer is then disarmed.
func (t *EpochTimer) Fired(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || epoch != t.epoch {
		return false
	}
	t.armed = false
	t.timer = nil
	return true
}
