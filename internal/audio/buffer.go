package audio

import (
	"sync"
)

// SampleWindow is a thread-safe ring buffer that always holds the most
// recent samples of a live signal. Writers never block; old samples are
// overwritten.
type SampleWindow struct {
	buffer []int16
	size   int
	write  int
	filled int
	mu     sync.RWMutex
}

// NewSampleWindow creates a window holding the latest size samples
func NewSampleWindow(size int) *SampleWindow {
	if size <= 0 {
		size = 1
	}
	return &SampleWindow{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write appends samples, overwriting the oldest ones once the window is full
func (w *SampleWindow) Write(samples []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Only the tail can survive a write larger than the window
	if len(samples) > w.size {
		samples = samples[len(samples)-w.size:]
	}

	for _, sample := range samples {
		w.buffer[w.write] = sample
		w.write = (w.write + 1) % w.size
	}

	w.filled += len(samples)
	if w.filled > w.size {
		w.filled = w.size
	}
}

// Latest copies the window into dst in chronological order, zero-padding
// the front while the window is not yet full. dst must hold Size() samples.
func (w *SampleWindow) Latest(dst []int16) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	pad := w.size - w.filled
	for i := 0; i < pad; i++ {
		dst[i] = 0
	}

	start := (w.write - w.filled + w.size) % w.size
	for i := 0; i < w.filled; i++ {
		dst[pad+i] = w.buffer[(start+i)%w.size]
	}
}

// Size returns the window capacity in samples
func (w *SampleWindow) Size() int {
	return w.size
}

// Filled returns how many real samples the window currently holds
func (w *SampleWindow) Filled() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.filled
}

// Clear empties the window
func (w *SampleWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.write = 0
	w.filled = 0
}
