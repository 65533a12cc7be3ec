// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Session       SessionLimits
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service identity and listener settings.
type ServiceConfig struct {
	Principal string `validate:"required"`
	GRPCPort  string `validate:"required,numeric"`
	HTTPPort  string `validate:"required,numeric"`
}

// STTConfig selects and tunes the transcription provider.
type STTConfig struct {
	Provider       string `validate:"oneof=mock assemblyai deepgram deepgram-batch google"`
	LanguageCode   string `validate:"required"`
	SampleRateHz   int    `validate:"gt=0"`
	InterimResults bool
	AudioEncoding  string `validate:"required"`
	Model          string

	// ChunkInterval paces file-backed capture.
	ChunkInterval time.Duration `validate:"gt=0"`
	// BatchBytes triggers an upload for the periodic batch provider.
	BatchBytes int `validate:"gt=0"`

	// Endpoint overrides; empty means the vendor default.
	AssemblyAIURL    string
	DeepgramURL      string
	DeepgramBatchURL string
	GoogleEndpoint   string
}

// SessionLimits bounds one recording session.
type SessionLimits struct {
	MaxAudioBytes int64         `validate:"gte=0"`
	MaxDuration   time.Duration `validate:"gte=0"`
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string `validate:"required_if=Enabled true"`
	TopicPartial string   `validate:"required"`
	TopicFinal   string   `validate:"required"`
	Principal    string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `validate:"oneof=trace debug info warn error fatal panic"`
	LogFormat   string `validate:"oneof=json console"`
	MetricsAddr string `validate:"required"`
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first without overriding variables that
// are already set. Unparseable values fall back to their defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speaker-transcription")

	logFormat := envOrDefault("LOG_FORMAT", "json")
	if os.Getenv("ENV") == "dev" && os.Getenv("LOG_FORMAT") == "" {
		logFormat = "console"
	}

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
		},
		STT: STTConfig{
			Provider:         strings.ToLower(envOrDefault("STT_PROVIDER", "mock")),
			LanguageCode:     envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:     envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults:   envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:    envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:            envOrDefault("STT_MODEL", ""),
			ChunkInterval:    envOrDefaultDuration("STT_CHUNK_INTERVAL", 100*time.Millisecond),
			BatchBytes:       envOrDefaultInt("STT_BATCH_BYTES", 160000),
			AssemblyAIURL:    envOrDefault("ASSEMBLYAI_URL", ""),
			DeepgramURL:      envOrDefault("DEEPGRAM_URL", ""),
			DeepgramBatchURL: envOrDefault("DEEPGRAM_BATCH_URL", ""),
			GoogleEndpoint:   envOrDefault("GOOGLE_STT_ENDPOINT", ""),
		},
		Session: SessionLimits{
			MaxAudioBytes: int64(envOrDefaultInt("SESSION_MAX_AUDIO_BYTES", 64*1024*1024)),
			MaxDuration:   envOrDefaultDuration("SESSION_MAX_DURATION", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "session.words.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "session.words.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat:   logFormat,
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed on %q (value=%v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty entries.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
