package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognizer backends
const (
	BackendGRPC     = "grpc"
	BackendDeepgram = "deepgram"
)

// Config holds all process configuration for the caption gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Host audio format: every source pushed over /ingest shares it
	HostSampleRate int    `envconfig:"HOST_SAMPLE_RATE" default:"48000"`
	HostChannels   int    `envconfig:"HOST_CHANNELS" default:"2"`
	HostEncoding   string `envconfig:"HOST_ENCODING" default:"f32le"` // s16le, f32le, mulaw

	// Recognizer selection
	RecognizerBackend string `envconfig:"RECOGNIZER_BACKEND" default:"grpc"` // grpc, deepgram

	// Self-hosted gRPC recognizer
	RecognizerURL        string `envconfig:"RECOGNIZER_URL" default:"localhost:50051"`
	RecognizerTLSEnabled bool   `envconfig:"RECOGNIZER_TLS_ENABLED" default:"false"`

	// Deepgram STT API configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Streaming recognition session settings
	StreamLanguage         string `envconfig:"STREAM_LANGUAGE" default:"en-US"`
	StreamConnectTimeoutMs int    `envconfig:"STREAM_CONNECT_TIMEOUT_MS" default:"5000"`
	StreamSendTimeoutMs    int    `envconfig:"STREAM_SEND_TIMEOUT_MS" default:"5000"`
	StreamRecvTimeoutMs    int    `envconfig:"STREAM_RECV_TIMEOUT_MS" default:"180000"`
	StreamMaxQueueDepth    int    `envconfig:"STREAM_MAX_QUEUE_DEPTH" default:"50"`

	// Overlapping connection settings, in seconds after the current connection started
	ConnectSecondAfterSecs   int `envconfig:"CONNECT_SECOND_AFTER_SECS" default:"2"`
	SwitchoverAfterSecs      int `envconfig:"SWITCHOVER_AFTER_SECS" default:"280"`
	MinReconnectIntervalSecs int `envconfig:"MIN_RECONNECT_INTERVAL_SECS" default:"10"`

	// Caption settings file (YAML); defaults are used when unset or missing
	CaptionSettingsFile string `envconfig:"CAPTION_SETTINGS_FILE" default:""`

	// Optional fan-out sinks
	RedisURL     string `envconfig:"REDIS_URL" default:""`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"captions"`
	NatsURL      string `envconfig:"NATS_URL" default:""`
	NatsSubject  string `envconfig:"NATS_SUBJECT" default:"captions.live"`

	// Directory for per-session WAV dumps of the audio sent to the recognizer; empty disables
	AudioDumpDir string `envconfig:"AUDIO_DUMP_DIR" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Sink publish attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Sink connect attempts at startup
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	c.RecognizerBackend = strings.ToLower(strings.TrimSpace(c.RecognizerBackend))
	switch c.RecognizerBackend {
	case BackendGRPC:
		if c.RecognizerURL == "" {
			return fmt.Errorf("RECOGNIZER_URL is required for the grpc backend")
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER_BACKEND %q", c.RecognizerBackend)
	}

	if c.HostSampleRate <= 0 || c.HostChannels <= 0 {
		return fmt.Errorf("invalid host audio format: %d Hz, %d channels", c.HostSampleRate, c.HostChannels)
	}
	if c.StreamMaxQueueDepth <= 0 {
		return fmt.Errorf("STREAM_MAX_QUEUE_DEPTH must be positive")
	}
	if c.SwitchoverAfterSecs > 0 && c.SwitchoverAfterSecs <= c.ConnectSecondAfterSecs {
		return fmt.Errorf("SWITCHOVER_AFTER_SECS (%d) must be greater than CONNECT_SECOND_AFTER_SECS (%d)",
			c.SwitchoverAfterSecs, c.ConnectSecondAfterSecs)
	}

	return nil
}

// StreamSettings returns the recognition session settings
func (c *Config) StreamSettings() StreamSettings {
	return StreamSettings{
		ConnectTimeout: time.Duration(c.StreamConnectTimeoutMs) * time.Millisecond,
		SendTimeout:    time.Duration(c.StreamSendTimeoutMs) * time.Millisecond,
		RecvTimeout:    time.Duration(c.StreamRecvTimeoutMs) * time.Millisecond,
		MaxQueueDepth:  c.StreamMaxQueueDepth,
		Language:       c.StreamLanguage,
	}
}

// OverlapSettings returns the overlapping connection thresholds
func (c *Config) OverlapSettings() OverlapSettings {
	return OverlapSettings{
		ConnectSecondAfter:   time.Duration(c.ConnectSecondAfterSecs) * time.Second,
		SwitchoverAfter:      time.Duration(c.SwitchoverAfterSecs) * time.Second,
		MinReconnectInterval: time.Duration(c.MinReconnectIntervalSecs) * time.Second,
	}
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
