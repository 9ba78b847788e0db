package risk

import (
	"math"
	"time"
)

// ewmaAlpha returns the weight of a new sample taken dt after the previous
// one, for an exponential average with the given half-life.
func ewmaAlpha(dt, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	if dt <= 0 {
		return 0
	}
	return 1 - math.Exp(-math.Ln2*dt.Seconds()/halfLife.Seconds())
}

// pairStats tracks one pair's rolling mid-price volatility, spread and
// quote volume.
type pairStats struct {
	base, quote string

	lastMid float64
	lastAt  time.Time
	// variance of log returns per second, exponentially weighted.
	variance float64
	samples  int

	spread float64

	volume   float64
	volumeAt time.Time
	hasVol   bool
}

func (s *pairStats) observeMid(mid float64, at time.Time, halfLife time.Duration) {
	if mid <= 0 {
		return
	}
	if s.lastMid > 0 && at.After(s.lastAt) {
		dt := at.Sub(s.lastAt)
		r := math.Log(mid / s.lastMid)
		rate := r * r / dt.Seconds()
		a := ewmaAlpha(dt, halfLife)
		if s.samples == 0 {
			s.variance = rate
		} else {
			s.variance += a * (rate - s.variance)
		}
		s.samples++
	}
	if at.After(s.lastAt) || s.lastMid == 0 {
		s.lastMid, s.lastAt = mid, at
	}
}

func (s *pairStats) observeVolume(v float64, at time.Time, halfLife time.Duration) {
	if !s.hasVol {
		s.volume, s.volumeAt, s.hasVol = v, at, true
		return
	}
	s.volume += ewmaAlpha(at.Sub(s.volumeAt), halfLife) * (v - s.volume)
	s.volumeAt = at
}

// volatility is the per-second standard deviation of mid log returns.
func (s *pairStats) volatility() (float64, bool) {
	if s.samples == 0 {
		return 0, false
	}
	return math.Sqrt(s.variance), true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
