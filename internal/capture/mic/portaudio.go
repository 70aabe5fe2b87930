// Package mic captures the default local input device through PortAudio.
package mic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/observability"
)

// Config holds microphone stream parameters
type Config struct {
	SampleRate      float64 // 0 uses the device default
	FramesPerBuffer int
}

// GetDefaultConfig returns the microphone defaults
func GetDefaultConfig() Config {
	return Config{
		SampleRate:      0,
		FramesPerBuffer: 1024,
	}
}

// Acquirer opens the default input device. It implements capture.Acquirer.
type Acquirer struct {
	config Config

	// PortAudio allows a single initialisation per open stream
	mu sync.Mutex
}

// NewAcquirer creates a microphone acquirer
func NewAcquirer(config Config) *Acquirer {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &Acquirer{config: config}
}

// Acquire opens and starts a mono PCM16 input stream on the default device
func (a *Acquirer) Acquire(ctx context.Context) (capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", capture.ErrDeviceError, err)
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: no default input device: %v", capture.ErrNoAudioTrack, err)
	}
	if device.MaxInputChannels < 1 {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: device %q has no input channels", capture.ErrNoAudioTrack, device.Name)
	}

	sampleRate := a.config.SampleRate
	if sampleRate <= 0 {
		sampleRate = device.DefaultSampleRate
	}

	buffer := make([]int16, a.config.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", capture.ErrDeviceError, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", capture.ErrDeviceError, err)
	}

	quit := make(chan struct{})
	stopped := make(chan struct{})
	src := capture.NewStream("mic:"+device.Name, int(sampleRate), func() {
		close(quit)
		<-stopped
	})

	logger := observability.WithComponent("mic").With().Str("device", device.Name).Logger()
	logger.Info().Float64("sample_rate", sampleRate).Msg("Microphone capture started")

	go func() {
		defer close(stopped)
		defer portaudio.Terminate()
		defer stream.Close()
		defer stream.Stop()

		for {
			select {
			case <-quit:
				return
			default:
			}

			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				logger.Warn().Err(err).Msg("Microphone read failed, ending capture")
				// Revoke blocks on stopTracks, which waits for this goroutine
				go src.Revoke()
				<-quit
				return
			}

			frame := make([]int16, len(buffer))
			copy(frame, buffer)
			src.Push(frame)
		}
	}()

	return src, nil
}
