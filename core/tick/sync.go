// SPDX-License-Identifier: AGPL-3.0-only

package tick

import (
	"math"
	"time"
)

const (
	// rttGain is the EWMA gain applied to new round trip samples.
	rttGain = 0.1

	// jitterGain is the EWMA gain applied to new jitter samples.
	jitterGain = 0.25
)

// SyncConfig carries the tunables for client clock synchronization.
type SyncConfig struct {
	TickDuration    time.Duration
	InputLeadMin    int
	InputLeadMax    int
	ResyncThreshold int
}

// Estimator tracks the offset between the local tick counter and the remote
// authoritative tick from SyncResponse samples, and produces the target tick
// the local clock should steer towards.
type Estimator struct {
	cfg SyncConfig

	rtt     time.Duration
	jitter  time.Duration
	samples int

	// serverTick and sampleAt pin the most recent estimate of the remote
	// tick to the local wall clock instant it was taken at.
	serverTick Tick
	sampleAt   time.Time
}

// NewEstimator returns an Estimator with no samples.
func NewEstimator(cfg SyncConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// Sample folds one completed request/response exchange into the estimate.
// now is the local receive time of the response; clientSendTime is the local
// send time echoed back by the peer; the server times bound the remote
// processing delay that must be excluded from the round trip.
func (e *Estimator) Sample(now, clientSendTime time.Time, serverTick Tick, serverHold time.Duration) {
	rtt := now.Sub(clientSendTime) - serverHold
	if rtt < 0 {
		rtt = 0
	}

	if e.samples == 0 {
		e.rtt = rtt
	} else {
		e.rtt += time.Duration(float64(rtt-e.rtt) * rttGain)
		dev := rtt - e.rtt
		if dev < 0 {
			dev = -dev
		}
		e.jitter += time.Duration(float64(dev-e.jitter) * jitterGain)
	}
	e.samples++

	// The response carries the remote tick at server send time; project it
	// forward by half the round trip to estimate the remote tick "now".
	half := rtt / 2
	e.serverTick = serverTick.Add(int(math.Round(float64(half) / float64(e.cfg.TickDuration))))
	e.sampleAt = now
}

// Ready reports whether enough samples have been folded in for the estimate
// to be usable.
func (e *Estimator) Ready() bool {
	return e.samples >= 3
}

// RTT returns the smoothed round trip time estimate.
func (e *Estimator) RTT() time.Duration {
	return e.rtt
}

// Jitter returns the smoothed round trip deviation estimate.
func (e *Estimator) Jitter() time.Duration {
	return e.jitter
}

// InputLead returns the number of ticks the local clock must run ahead of
// the remote tick so that inputs sent now arrive no later than the tick they
// target, clamped to the configured bounds.
func (e *Estimator) InputLead() int {
	lead := int(math.Ceil(float64(e.rtt/2+e.jitter) / float64(e.cfg.TickDuration)))
	if lead < e.cfg.InputLeadMin {
		lead = e.cfg.InputLeadMin
	}
	if lead > e.cfg.InputLeadMax {
		lead = e.cfg.InputLeadMax
	}
	return lead
}

// ServerTickAt projects the estimated remote tick to the given local time.
func (e *Estimator) ServerTickAt(now time.Time) Tick {
	elapsed := now.Sub(e.sampleAt)
	return e.serverTick.Add(int(elapsed / e.cfg.TickDuration))
}

// TargetTick returns the tick the local clock should be at for now.
func (e *Estimator) TargetTick(now time.Time) Tick {
	return e.ServerTickAt(now).Add(e.InputLead())
}

// Steer compares the local tick to the target and either nudges the clock
// speed or, past the resync threshold, snaps it.  It returns true when a
// snap occurred; the caller must then discard prediction state and history.
func (e *Estimator) Steer(c *Clock, now time.Time) bool {
	target := e.TargetTick(now)
	delta := Diff(c.Current(), target)
	if delta > e.cfg.ResyncThreshold || delta < -e.cfg.ResyncThreshold {
		c.Snap(target)
		return true
	}
	c.Nudge(delta)
	return false
}
