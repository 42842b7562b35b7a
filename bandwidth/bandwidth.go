// Package bandwidth implements BandwidthLimiter, spec.md §4.4: a
// fixed-interval kbps budget check plus a rolling average for
// reporting.
package bandwidth

import "time"

// DefaultInterval is the accounting window spec.md names: "Given an
// interval (1 s)".
const DefaultInterval = time.Second

// emaSmoothing is the exponential-smoothing factor applied to the
// rolling average_kbps on each interval rollover.
const emaSmoothing = 0.1

// Limiter accumulates bits sent within the current interval and
// reports whether any packet pushed the interval total over the
// configured kbps budget.
type Limiter struct {
	interval time.Duration

	intervalStart time.Time
	bitsThisInterval uint64

	averageKbps float64
}

// New creates a Limiter using DefaultInterval.
func New() *Limiter {
	return &Limiter{interval: DefaultInterval}
}

// NewWithInterval creates a Limiter using a custom accounting interval,
// for tests or non-default configurations.
func NewWithInterval(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// PacketSent records bytesSent at now and reports whether the interval
// total is over budget for kbpsAllowed. Crossing into a new interval
// rolls the previous interval's measured kbps into the exponential
// average and resets the accumulator.
func (l *Limiter) PacketSent(bytesSent int, kbpsAllowed float64, now time.Time) (overLimit bool) {
	if l.intervalStart.IsZero() {
		l.intervalStart = now
	}

	if now.Sub(l.intervalStart) >= l.interval {
		l.rollInterval(now)
	}

	l.bitsThisInterval += uint64(bytesSent) * 8

	budgetBits := kbpsAllowed * 1000 * l.interval.Seconds()
	return float64(l.bitsThisInterval) > budgetBits
}

func (l *Limiter) rollInterval(now time.Time) {
	measuredKbps := float64(l.bitsThisInterval) / 1000 / l.interval.Seconds()
	if l.averageKbps == 0 {
		l.averageKbps = measuredKbps
	} else {
		l.averageKbps += (measuredKbps - l.averageKbps) * emaSmoothing
	}
	l.intervalStart = now
	l.bitsThisInterval = 0
}

// AverageKbps returns the current rolling average, for reporting in
// ClientStats / ServerSessionEntry stats.
func (l *Limiter) AverageKbps() float64 {
	return l.averageKbps
}
