package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EngineChunked    = "chunked"
	EngineContinuous = "continuous"
)

// Config holds all configuration for the meeting capture service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL used when logging the capture socket endpoint.
	// Browsers connect to ws(s)://<this-host>/v1/sessions/{id}/capture.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Optional TOML tuning file. Keys are the lower-cased variable names below
	// (chunk_window = 15); real environment variables always win.
	ConfigFile string `envconfig:"CAPTURE_CONFIG_FILE" default:""`

	// Which live transcription engine backs new sessions: chunked or continuous
	Engine string `envconfig:"CAPTURE_ENGINE" default:"chunked"`

	// Chunk transcription service (chunked engine)
	TranscribeURL           string   `envconfig:"TRANSCRIBE_URL" default:""`
	TranscribeAPIKey        string   `envconfig:"TRANSCRIBE_API_KEY" default:""`
	TranscribeModel         string   `envconfig:"TRANSCRIBE_MODEL" default:"whisper-1"`
	TranscribeLanguage      string   `envconfig:"TRANSCRIBE_LANGUAGE" default:"en"`
	TranscribeFormats       []string `envconfig:"TRANSCRIBE_FORMATS" default:"wav,mulaw,pcm"` // formats the service accepts, in preference order
	TranscribeTimeout       int      `envconfig:"TRANSCRIBE_TIMEOUT" default:"60"`            // seconds per chunk call, 0 disables
	TranscribeMaxAttempts   int      `envconfig:"TRANSCRIBE_MAX_ATTEMPTS" default:"1"`        // 1 means no retry
	TranscribeMaxConcurrent int      `envconfig:"TRANSCRIBE_MAX_CONCURRENT" default:"4"`

	// Deepgram streaming STT (continuous engine)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// CRM API (meeting records, transcript persistence, analysis trigger)
	CRMAPIURL   string `envconfig:"CRM_API_URL" default:"http://localhost:5000/api"`
	CRMAPIToken string `envconfig:"CRM_API_TOKEN" default:""`
	CRMTimeout  int    `envconfig:"CRM_TIMEOUT" default:"15"` // seconds

	// Insight service gRPC endpoint. When set, analysis is triggered over gRPC instead of REST.
	AnalysisGRPCURL        string `envconfig:"ANALYSIS_GRPC_URL" default:""`
	AnalysisGRPCTLSEnabled bool   `envconfig:"ANALYSIS_GRPC_TLS_ENABLED" default:"false"`
	AnalysisGRPCTimeout    int    `envconfig:"ANALYSIS_GRPC_TIMEOUT" default:"30"` // seconds

	FinalizeMaxAttempts int `envconfig:"FINALIZE_MAX_ATTEMPTS" default:"1"` // per finalize step

	// Capture and chunking
	CaptureHandshakeTimeout int `envconfig:"CAPTURE_HANDSHAKE_TIMEOUT" default:"10"` // seconds
	ChunkWindow             int `envconfig:"CHUNK_WINDOW" default:"15"`              // seconds
	ChunkMinBytes           int `envconfig:"CHUNK_MIN_BYTES" default:"1000"`
	ChunkSampleRate         int `envconfig:"CHUNK_SAMPLE_RATE" default:"16000"`

	// Speech-presence gate
	GateFFTSize   int     `envconfig:"GATE_FFT_SIZE" default:"1024"`
	GateInterval  int     `envconfig:"GATE_INTERVAL" default:"100"` // milliseconds
	GateThreshold float64 `envconfig:"GATE_THRESHOLD" default:"10"` // average bin level on the 0-255 scale

	// Session lifecycle
	DrainTimeout int `envconfig:"DRAIN_TIMEOUT" default:"30"` // seconds to wait for in-flight chunks on End
	SessionTTL   int `envconfig:"SESSION_TTL" default:"30"`   // minutes a finished session stays queryable

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"250"`        // milliseconds
	RestartMaxAttempts         int `envconfig:"RESTART_MAX_ATTEMPTS" default:"3"`           // continuous engine restarts per outage
	RestartBackoff             int `envconfig:"RESTART_BACKOFF" default:"500"`              // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from a .env file (if present), the optional TOML
// tuning file and the environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration without looking for a .env file
// (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	if path := os.Getenv("CAPTURE_CONFIG_FILE"); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile copies keys from a TOML file into the process environment,
// skipping any variable that is already set.
func applyFile(path string) error {
	values := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	for key, value := range values {
		envKey := strings.ToUpper(key)
		if _, set := os.LookupEnv(envKey); set {
			continue
		}
		if err := os.Setenv(envKey, tomlValueString(value)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", envKey, err)
		}
	}
	return nil
}

func tomlValueString(value interface{}) string {
	switch v := value.(type) {
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineChunked:
		if c.TranscribeURL == "" {
			return fmt.Errorf("TRANSCRIBE_URL is required for the chunked engine")
		}
		if len(c.TranscribeFormats) == 0 {
			return fmt.Errorf("TRANSCRIBE_FORMATS must list at least one format")
		}
	case EngineContinuous:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the continuous engine")
		}
	default:
		return fmt.Errorf("unknown CAPTURE_ENGINE %q (want %s or %s)", c.Engine, EngineChunked, EngineContinuous)
	}

	if c.ChunkWindow <= 0 {
		return fmt.Errorf("CHUNK_WINDOW must be positive, got %d", c.ChunkWindow)
	}
	if c.ChunkSampleRate <= 0 {
		return fmt.Errorf("CHUNK_SAMPLE_RATE must be positive, got %d", c.ChunkSampleRate)
	}
	if c.GateFFTSize < 32 {
		return fmt.Errorf("GATE_FFT_SIZE must be at least 32, got %d", c.GateFFTSize)
	}
	if c.GateInterval <= 0 {
		return fmt.Errorf("GATE_INTERVAL must be positive, got %d", c.GateInterval)
	}
	if c.GateThreshold < 0 || c.GateThreshold > 255 {
		return fmt.Errorf("GATE_THRESHOLD must be within [0, 255], got %.2f", c.GateThreshold)
	}
	if c.TranscribeMaxAttempts < 1 || c.FinalizeMaxAttempts < 1 {
		return fmt.Errorf("TRANSCRIBE_MAX_ATTEMPTS and FINALIZE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// ChunkWindowDuration returns the chunk window as a duration
func (c *Config) ChunkWindowDuration() time.Duration {
	return time.Duration(c.ChunkWindow) * time.Second
}

// GateIntervalDuration returns the gate sampling period
func (c *Config) GateIntervalDuration() time.Duration {
	return time.Duration(c.GateInterval) * time.Millisecond
}

// TranscribeTimeoutDuration returns the per-chunk timeout (zero means none)
func (c *Config) TranscribeTimeoutDuration() time.Duration {
	return time.Duration(c.TranscribeTimeout) * time.Second
}

// DrainTimeoutDuration returns how long End waits for in-flight transcriptions
func (c *Config) DrainTimeoutDuration() time.Duration {
	return time.Duration(c.DrainTimeout) * time.Second
}

// SessionTTLDuration returns how long terminal sessions are kept
func (c *Config) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTL) * time.Minute
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
