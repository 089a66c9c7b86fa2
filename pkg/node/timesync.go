package node

import (
	"log"
	"sync"
)

// Estimator lock states.
type LockState int

const (
	SyncUnlocked LockState = iota
	SyncLocking
	SyncLocked
	SyncDegraded
)

func (s LockState) String() string {
	switch s {
	case SyncUnlocked:
		return "unlocked"
	case SyncLocking:
		return "locking"
	case SyncLocked:
		return "locked"
	case SyncDegraded:
		return "degraded"
	}
	return "unknown"
}

// EstimatorConfig tunes the time-sync filter. Zero values pick defaults.
type EstimatorConfig struct {
	Alpha         float64 // smoothing weight for new samples
	RTTCeilingUs  int64   // samples with larger round trip are rejected
	LockSamples   int     // consecutive good samples required to lock
	LockJitterUs  int64   // jitter must be below this to lock
	SampleAgeUs   int64   // locked -> degraded after this long without a sample
	DegradeFactor int64   // degrade when jitter exceeds factor*LockJitterUs
}

func (c *EstimatorConfig) defaults() {
	if c.Alpha == 0 {
		c.Alpha = 0.2
	}
	if c.RTTCeilingUs == 0 {
		c.RTTCeilingUs = 250_000
	}
	if c.LockSamples == 0 {
		c.LockSamples = 8
	}
	if c.LockJitterUs == 0 {
		c.LockJitterUs = 2_000
	}
	if c.SampleAgeUs == 0 {
		c.SampleAgeUs = 3_000_000
	}
	if c.DegradeFactor == 0 {
		c.DegradeFactor = 2
	}
}

// Estimator converts probe round trips into a smoothed hub-to-local
// clock offset with a lock/unlock confidence state. All times are local
// monotonic microseconds except hub times, which are hub microseconds.
type Estimator struct {
	mu  sync.Mutex
	cfg EstimatorConfig

	seeded   bool
	offsetUs int64 // hub time minus local time
	rttUs    int64
	jitterUs int64 // smoothed absolute deviation of round trip
	good     int
	state    LockState
	lastUs   int64 // local time of last accepted sample

	accepted uint64
	rejected uint64
}

// NewEstimator builds an estimator; cfg zero values pick defaults.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	cfg.defaults()
	return &Estimator{cfg: cfg}
}

// AddSample folds one four-timestamp round trip into the estimate:
// t1 probe sent (local), t2 probe received (hub), t3 reply sent (hub),
// t4 reply received (local). Implausible samples are rejected without
// touching any state. Returns whether the sample was accepted.
func (e *Estimator) AddSample(t1, t2, t3, t4 int64) bool {
	delay := (t4 - t1) - (t3 - t2)
	if delay < 0 || delay > e.cfg.RTTCeilingUs {
		e.mu.Lock()
		e.rejected++
		e.mu.Unlock()
		return false
	}
	offset := ((t2 - t1) + (t3 - t4)) / 2

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		e.offsetUs = offset
		e.rttUs = delay
		e.jitterUs = 0
		e.seeded = true
	} else {
		dev := delay - e.rttUs
		if dev < 0 {
			dev = -dev
		}
		e.jitterUs = ewma(e.jitterUs, dev, e.cfg.Alpha)
		e.offsetUs = ewma(e.offsetUs, offset, e.cfg.Alpha)
		e.rttUs = ewma(e.rttUs, delay, e.cfg.Alpha)
	}
	e.good++
	e.accepted++
	e.lastUs = t4

	switch e.state {
	case SyncUnlocked:
		e.state = SyncLocking
	case SyncLocking, SyncDegraded:
		if e.good >= e.cfg.LockSamples && e.jitterUs < e.cfg.LockJitterUs {
			prev := e.state
			e.state = SyncLocked
			log.Printf("timesync locked (from=%s offsetUs=%d rttUs=%d jitterUs=%d)", prev, e.offsetUs, e.rttUs, e.jitterUs)
		}
	}
	return true
}

// Tick runs the periodic confidence check. A locked estimate degrades
// when samples stop arriving or jitter grows past the degrade bound;
// probing continues and a fresh qualifying run re-locks.
func (e *Estimator) Tick(nowUs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != SyncLocked {
		return
	}
	stale := nowUs-e.lastUs > e.cfg.SampleAgeUs
	noisy := e.jitterUs > e.cfg.DegradeFactor*e.cfg.LockJitterUs
	if stale || noisy {
		e.state = SyncDegraded
		e.good = 0
		log.Printf("timesync degraded (stale=%v noisy=%v jitterUs=%d)", stale, noisy, e.jitterUs)
	}
}

// HubToLocal translates a hub timestamp to the local clock. Translation
// is only valid while locked; callers must fall back otherwise.
func (e *Estimator) HubToLocal(hubUs int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != SyncLocked {
		return 0, false
	}
	return hubUs - e.offsetUs, true
}

// State returns the current confidence state.
func (e *Estimator) State() LockState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Locked reports whether translation is currently valid.
func (e *Estimator) Locked() bool { return e.State() == SyncLocked }

// OffsetUs returns the smoothed hub-minus-local offset.
func (e *Estimator) OffsetUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsetUs
}

// DriftUs reports the current offset for keepalive health fields.
func (e *Estimator) DriftUs() int64 { return e.OffsetUs() }

// RTTUs returns the smoothed round-trip delay.
func (e *Estimator) RTTUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttUs
}

// JitterUs returns the smoothed round-trip deviation.
func (e *Estimator) JitterUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jitterUs
}

func ewma(prev, sample int64, alpha float64) int64 {
	return prev + int64(alpha*float64(sample-prev))
}
