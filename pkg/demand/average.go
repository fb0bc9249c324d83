package demand

import (
	"math"
	"time"
)

type sample struct {
	ts time.Time
	kw float64
}

// Averager keeps the power samples of a rolling window.
type Averager struct {
	window  time.Duration
	samples []sample
}

func NewAverager(window time.Duration) *Averager {
	return &Averager{window: window}
}

// Add appends a sample and drops samples older than the window. Samples are kept ordered by time.
func (a *Averager) Add(ts time.Time, kw float64) {
	i := len(a.samples)
	for i > 0 && a.samples[i-1].ts.After(ts) {
		i--
	}
	if i > 0 && a.samples[i-1].ts.Equal(ts) {
		a.samples[i-1].kw = kw
	} else {
		a.samples = append(a.samples, sample{})
		copy(a.samples[i+1:], a.samples[i:])
		a.samples[i] = sample{ts: ts, kw: kw}
	}

	cutoff := a.samples[len(a.samples)-1].ts.Add(-a.window)
	drop := 0
	for drop < len(a.samples)-1 && !a.samples[drop].ts.After(cutoff) {
		drop++
	}
	a.samples = a.samples[drop:]
}

func (a *Averager) Len() int {
	return len(a.samples)
}

// Mean is the arithmetic mean of the window.
func (a *Averager) Mean() (float64, bool) {
	if len(a.samples) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, s := range a.samples {
		sum += s.kw
	}
	return sum / float64(len(a.samples)), true
}

// Exp is an exponentially weighted average of the window with the newest sample weighted most.
// The smoothing constant is derived from the number of samples and the oldest sample carries the remaining weight.
func (a *Averager) Exp() (float64, bool) {
	n := len(a.samples)
	if n == 0 {
		return 0, false
	}
	alpha := math.Min(1, 2/(float64(n)+1)*2)
	exp := 0.0
	for i := 0; i < n; i++ {
		exp += a.samples[n-1-i].kw * alpha * math.Pow(1-alpha, float64(i))
	}
	exp += a.samples[0].kw * math.Pow(1-alpha, float64(n))
	return exp, true
}
