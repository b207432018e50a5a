package correlate

import "sync"

// Decimator forwards one frame in every N. The counter is incremented before
// the check, so with N=3 the 3rd, 6th, 9th ... frames are forwarded.
type Decimator struct {
	mu    sync.Mutex
	ratio uint32
	count uint64
}

// NewDecimator returns a decimator for ratio N. A ratio of 0 is treated as 1.
func NewDecimator(ratio uint32) *Decimator {
	if ratio == 0 {
		ratio = 1
	}
	return &Decimator{ratio: ratio}
}

// Ratio returns N.
func (d *Decimator) Ratio() uint32 { return d.ratio }

// Forward counts one frame and reports whether it should reach the engine.
func (d *Decimator) Forward() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return d.count%uint64(d.ratio) == 0
}

// Count returns how many frames have been offered so far.
func (d *Decimator) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
