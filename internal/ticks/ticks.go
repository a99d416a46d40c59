// Package ticks implements wrap-safe arithmetic on 32-bit tick counters.
//
// Every time base in tickq counts in unsigned 32-bit ticks that roll over.
// Two tick values are never compared with < directly; instead the difference
// is interpreted as a signed 32-bit value:
//
//	Due(a, b)  ⇔  int32(a - b) <= 0
//
// This orders values correctly across the rollover boundary as long as they
// are less than 2^31 ticks apart.
package ticks

// Time is an absolute point on a time base, in that base's ticks.
type Time uint32

// MaxDelay is the largest delay that can be ordered unambiguously.
const MaxDelay = 1<<31 - 1

// Add returns t advanced by d ticks, wrapping at 2^32.
func (t Time) Add(d uint32) Time { return t + Time(d) }

// Sub returns the signed distance t - u.
func (t Time) Sub(u Time) int32 { return int32(t - u) }

// Due reports whether a is due no later than b.
func Due(a, b Time) bool { return int32(a-b) <= 0 }

// Before reports whether a is strictly before b.
func Before(a, b Time) bool { return int32(a-b) < 0 }

// After reports whether a is strictly after b.
func After(a, b Time) bool { return int32(a-b) > 0 }

// Since returns the number of ticks elapsed from start to now.
func Since(start, now Time) uint32 { return uint32(now - start) }

// Pacer gates a block of main-loop code so it runs once per period,
// without drift:
//
//	var led = ticks.Pacer{Period: 500}
//	for {
//	    if led.Ready(clk.Now()) {
//	        toggle()
//	    }
//	}
//
// Each successful Ready advances the internal mark by exactly Period, so a
// late poll is followed by earlier ones until the mark catches up with now.
type Pacer struct {
	Period uint32
	mark   Time
}

// NewPacer returns a Pacer whose first period starts at start.
func NewPacer(period uint32, start Time) *Pacer {
	return &Pacer{Period: period, mark: start}
}

// Ready reports whether a full period elapsed since the mark, advancing the
// mark by one period if so.
func (p *Pacer) Ready(now Time) bool {
	if Since(p.mark, now) < p.Period {
		return false
	}
	p.mark = p.mark.Add(p.Period)
	return true
}

// Mark returns the start of the current period.
func (p *Pacer) Mark() Time { return p.mark }

// Reset restarts the period at now.
func (p *Pacer) Reset(now Time) { p.mark = now }
