package audio

import (
	"context"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// GateConfig holds configuration for the speech-presence gate
type GateConfig struct {
	FFTSize   int           // Samples per analysis frame; FFTSize/2 frequency bins are averaged
	Interval  time.Duration // How often the live signal is sampled
	Threshold float64       // Average bin level (0-255) above which the interval counts as speech

	// Byte scaling range and temporal smoothing, modelled on a browser AnalyserNode
	MinDecibels float64
	MaxDecibels float64
	Smoothing   float64 // 0 disables smoothing, must be < 1
}

// DefaultGateConfig returns the gate defaults
func DefaultGateConfig() GateConfig {
	return GateConfig{
		FFTSize:     1024,
		Interval:    100 * time.Millisecond,
		Threshold:   10,
		MinDecibels: -100,
		MaxDecibels: -30,
		Smoothing:   0.8,
	}
}

// SpeechGate classifies chunk windows as speech-bearing or silent.
// It samples the frequency-domain energy of the latest FFTSize samples on
// its own interval and keeps a sticky "speech seen since last boundary" flag.
type SpeechGate struct {
	config   GateConfig
	window   *SampleWindow
	fft      *fourier.FFT
	blackman []float64

	mu        sync.Mutex
	frame     []int16
	seq       []float64
	coeffs    []complex128
	smoothed  []float64
	speech    bool
	lastLevel float64

	closeOnce sync.Once
	done      chan struct{}
}

// NewSpeechGate creates a gate. Zero fields in cfg fall back to defaults.
func NewSpeechGate(cfg GateConfig) *SpeechGate {
	defaults := DefaultGateConfig()
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = defaults.FFTSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MinDecibels == 0 && cfg.MaxDecibels == 0 {
		cfg.MinDecibels = defaults.MinDecibels
		cfg.MaxDecibels = defaults.MaxDecibels
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = 0
	}

	n := cfg.FFTSize
	blackman := make([]float64, n)
	for i := range blackman {
		x := 2 * math.Pi * float64(i) / float64(n)
		blackman[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &SpeechGate{
		config:   cfg,
		window:   NewSampleWindow(n),
		fft:      fourier.NewFFT(n),
		blackman: blackman,
		frame:    make([]int16, n),
		seq:      make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
		done:     make(chan struct{}),
	}
}

// Write feeds live samples into the analysis window
func (g *SpeechGate) Write(samples []int16) {
	g.window.Write(samples)
}

// Sample analyses the latest frame once and returns its average bin level.
// Levels above the threshold set the sticky speech flag.
func (g *SpeechGate) Sample() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window.Latest(g.frame)

	level := 0.0
	if CalculateRMS(g.frame) > 0 {
		level = g.averageLevel()
	} else {
		for i := range g.smoothed {
			g.smoothed[i] *= g.config.Smoothing
		}
	}

	g.lastLevel = level
	if level > g.config.Threshold {
		g.speech = true
	}
	return level
}

// averageLevel runs the windowed FFT and maps each bin onto the 0-255 scale
func (g *SpeechGate) averageLevel() float64 {
	n := len(g.frame)
	for i, sample := range g.frame {
		g.seq[i] = float64(sample) / 32768.0 * g.blackman[i]
	}
	g.coeffs = g.fft.Coefficients(g.coeffs, g.seq)

	span := g.config.MaxDecibels - g.config.MinDecibels
	sum := 0.0
	for k := range g.smoothed {
		magnitude := cmplx.Abs(g.coeffs[k]) / float64(n)
		g.smoothed[k] = g.config.Smoothing*g.smoothed[k] + (1-g.config.Smoothing)*magnitude

		if g.smoothed[k] <= 0 {
			continue
		}
		db := 20 * math.Log10(g.smoothed[k])
		scaled := 255 * (db - g.config.MinDecibels) / span
		sum += math.Max(0, math.Min(255, scaled))
	}
	return sum / float64(len(g.smoothed))
}

// TakeBoundary returns whether speech was observed since the previous
// boundary and resets the flag for the next chunk window.
func (g *SpeechGate) TakeBoundary() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	speech := g.speech
	g.speech = false
	return speech
}

// LastLevel returns the level computed by the most recent Sample call
func (g *SpeechGate) LastLevel() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastLevel
}

// Run samples the signal every Interval until ctx is done or the gate is closed
func (g *SpeechGate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			g.Sample()
		}
	}
}

// Close stops Run and releases the analysis window. Safe to call repeatedly.
func (g *SpeechGate) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.window.Clear()
	})
}

// Closed reports whether Close has been called
func (g *SpeechGate) Closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
