// Package config loads service configuration from the environment.
// All values are resolved once at process start; the STT provider
// identifier is passed explicitly into the provider factory rather
// than read ambiently by providers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Audio format constants. The pipeline supports a single fixed format:
// 16 kHz mono signed 16-bit little-endian PCM.
const (
	SampleRate = 16000
	Channels   = 1
	BitDepth   = 16
)

// Configuration holds all runtime settings for the server.
type Configuration struct {
	Service       ServiceConfig
	STT           STTConfig
	Recordings    RecordingsConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener settings.
type ServiceConfig struct {
	Port        string // main HTTP/WebSocket listener
	MetricsPort string // observability listener
}

// STTConfig selects and parameterizes the speech-to-text provider.
type STTConfig struct {
	Provider       string // deepgram, voskhttp, google, whisper, mock, or empty for none
	Language       string
	DeepgramAPIKey string
	OpenAIAPIKey   string
	VoskServiceURL string
}

// RecordingsConfig controls audio persistence.
type RecordingsConfig struct {
	Dir string
}

// KafkaConfig controls the optional transcript event publisher.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, applying defaults.
// A .env file in the working directory is honored if present.
func Load() *Configuration {
	_ = godotenv.Load()

	return &Configuration{
		Service: ServiceConfig{
			Port:        envOrDefault("WS_PORT", "3001"),
			MetricsPort: envOrDefault("METRICS_PORT", "9091"),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			Language:       envOrDefault("STT_LANGUAGE", "en-US"),
			DeepgramAPIKey: os.Getenv("DEEPGRAM_API_KEY"),
			OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
			VoskServiceURL: envOrDefault("STT_SERVICE_URL", "http://localhost:3002"),
		},
		Recordings: RecordingsConfig{
			Dir: envOrDefault("RECORDINGS_DIR", "recordings"),
		},
		Kafka: KafkaConfig{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS"),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "livescribe.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "livescribe.transcript.final"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// ClientConfiguration holds runtime settings for the capture client.
type ClientConfiguration struct {
	ServerURL            string
	Language             string
	FrameSize            int
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// LoadClient reads client configuration from the environment.
func LoadClient() *ClientConfiguration {
	_ = godotenv.Load()

	return &ClientConfiguration{
		ServerURL:            envOrDefault("LIVESCRIBE_URL", "ws://localhost:3001/ws"),
		Language:             envOrDefault("STT_LANGUAGE", "en-US"),
		FrameSize:            envInt("FRAME_SIZE", 4096),
		ReconnectBaseDelay:   envDuration("RECONNECT_BASE_DELAY", time.Second),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
