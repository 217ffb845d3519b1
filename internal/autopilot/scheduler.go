package autopilot

import "time"

// Session is a UTC market-activity tier
type Session string

const (
	SessionPeak   Session = "peak"   // US-Europe overlap
	SessionHigh   Session = "high"   // Europe or US alone
	SessionMedium Session = "medium" // Asia
	SessionLow    Session = "low"    // late US and weekends
)

const (
	MinCycleInterval = time.Second
	MaxCycleInterval = time.Hour
)

var sessionMultiplier = map[Session]float64{
	SessionPeak:   0.5,
	SessionHigh:   0.75,
	SessionMedium: 1.0,
	SessionLow:    2.0,
}

// Scheduler scales the base cycle interval by market activity: busier
// sessions run cycles more often.
type Scheduler struct {
	base time.Duration
}

// NewScheduler creates a scheduler around base
func NewScheduler(base time.Duration) *Scheduler {
	if base <= 0 {
		base = 5 * time.Minute
	}
	return &Scheduler{base: base}
}

// SessionAt classifies t in UTC
func SessionAt(t time.Time) Session {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionLow
	}
	switch h := t.Hour(); {
	case h >= 13 && h < 16:
		return SessionPeak
	case h >= 7 && h < 13, h >= 16 && h < 21:
		return SessionHigh
	case h < 7:
		return SessionMedium
	default:
		return SessionLow
	}
}

// Interval returns the sleep before the next cycle, clamped to [1s, 1h]
func (s *Scheduler) Interval(now time.Time) time.Duration {
	d := time.Duration(float64(s.base) * sessionMultiplier[SessionAt(now)])
	if d < MinCycleInterval {
		return MinCycleInterval
	}
	if d > MaxCycleInterval {
		return MaxCycleInterval
	}
	return d
}
