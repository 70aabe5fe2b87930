package audio

import (
	"fmt"
	"strings"
)

// Chunk payload formats, in the order the chunk encoder prefers them
const (
	FormatWAV   = "wav"
	FormatMulaw = "mulaw"
	FormatPCM   = "pcm"
)

var preferredFormats = []string{FormatWAV, FormatMulaw, FormatPCM}

// Encoder turns a window of samples into a transcription payload
type Encoder interface {
	Format() string
	ContentType() string
	Encode(samples []int16, sampleRate int) ([]byte, error)
}

// WAVEncoder writes a RIFF/WAVE PCM16 file
type WAVEncoder struct{}

func (WAVEncoder) Format() string      { return FormatWAV }
func (WAVEncoder) ContentType() string { return "audio/wav" }

func (WAVEncoder) Encode(samples []int16, sampleRate int) ([]byte, error) {
	return EncodeWAV(samples, sampleRate)
}

// MulawEncoder writes headerless G.711 μ-law
type MulawEncoder struct{}

func (MulawEncoder) Format() string      { return FormatMulaw }
func (MulawEncoder) ContentType() string { return "audio/basic" }

func (MulawEncoder) Encode(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	return SamplesToMulaw(samples), nil
}

// PCMEncoder writes headerless little-endian PCM16, the last-resort fallback
type PCMEncoder struct{}

func (PCMEncoder) Format() string      { return FormatPCM }
func (PCMEncoder) ContentType() string { return "audio/L16" }

func (PCMEncoder) Encode(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	return SamplesToBytes(samples), nil
}

// NewEncoder returns the encoder for a format name
func NewEncoder(format string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatWAV:
		return WAVEncoder{}, nil
	case FormatMulaw, "pcmu", "ulaw":
		return MulawEncoder{}, nil
	case FormatPCM, "l16", "linear16":
		return PCMEncoder{}, nil
	}
	return nil, fmt.Errorf("unsupported audio format %q", format)
}

// SelectEncoder picks the best encoder the transcription service accepts.
// Preference is wav, then mulaw, then raw pcm.
func SelectEncoder(supported []string) (Encoder, error) {
	accepted := make(map[string]bool, len(supported))
	for _, format := range supported {
		enc, err := NewEncoder(format)
		if err != nil {
			continue
		}
		accepted[enc.Format()] = true
	}

	for _, format := range preferredFormats {
		if accepted[format] {
			return NewEncoder(format)
		}
	}
	return nil, fmt.Errorf("none of the formats %v can be produced (have %v)", supported, preferredFormats)
}
