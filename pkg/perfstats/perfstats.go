// Package perfstats records how long things take, so that it's easy to compare
// different models, devices and hardware.
package perfstats

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// UpdateMovingAverage folds 'value' into an exponential moving average with a weight of 1/64
func UpdateMovingAverage(stat *atomic.Int64, value int64) {
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(value)
	} else {
		stat.Store((stat.Load()*63 + value) >> 6)
	}
}

// Window keeps the most recent N durations, for percentiles
type Window struct {
	lock    sync.Mutex
	samples ringbuffer.RingP[time.Duration]
}

func NewWindow(size int) *Window {
	// RingP keeps one slot free to tell full from empty
	return &Window{
		samples: ringbuffer.NewRingP[time.Duration](size + 1),
	}
}

func (w *Window) Add(d time.Duration) {
	w.lock.Lock()
	w.samples.Add(d)
	w.lock.Unlock()
}

func (w *Window) Len() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.samples.Len()
}

// Percentile returns the p-th percentile (0..1) of the samples in the window
func (w *Window) Percentile(p float64) time.Duration {
	w.lock.Lock()
	all := make([]time.Duration, w.samples.Len())
	for i := range all {
		all[i] = w.samples.Peek(i)
	}
	w.lock.Unlock()
	if len(all) == 0 {
		return 0
	}
	slices.Sort(all)
	idx := int(p * float64(len(all)-1))
	idx = max(0, min(idx, len(all)-1))
	return all[idx]
}
