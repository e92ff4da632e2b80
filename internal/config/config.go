// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the root configuration for the service.
type Configuration struct {
	Service       ServiceConfig
	Audio         AudioConfig
	Engine        EngineConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string
	Port        string // public HTTP/WebSocket port
	MetricsPort string // observability HTTP port
}

// AudioConfig holds segmentation defaults applied to new sessions. Clients
// can retune threshold, silence duration and declared sample rate per
// session with a configure command.
type AudioConfig struct {
	TargetSampleRate   int
	ChunkDuration      time.Duration
	VADThreshold       float64
	VADBackend         string // "energy" or "webrtc"
	VADMode            int    // webrtc aggressiveness 0-3
	SilenceDuration    time.Duration
	MaxSegmentDuration time.Duration

	// PartialThreshold is the in-flight audio required before partial
	// re-transcriptions start; PartialInterval rate-limits them
	// (zero re-transcribes on every chunk).
	PartialThreshold time.Duration
	PartialInterval  time.Duration
}

// EngineConfig selects and bounds the inference engine.
type EngineConfig struct {
	Provider     string // "stub" or "google"
	LanguageCode string
	Timeout      time.Duration // per-call inference timeout
}

// KafkaConfig holds transcript fan-out settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Source       string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console
}

// Load reads the configuration from the environment, falling back to
// defaults for unset or unparsable values.
func Load() *Configuration {
	name := envOrDefault("SERVICE_NAME", "parakeet-ws")
	return &Configuration{
		Service: ServiceConfig{
			Name:        name,
			Port:        envOrDefault("PORT", "8080"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Audio: AudioConfig{
			TargetSampleRate:   envOrDefaultInt("AUDIO_TARGET_SAMPLE_RATE", 16000),
			ChunkDuration:      envOrDefaultDuration("AUDIO_CHUNK_DURATION", 100*time.Millisecond),
			VADThreshold:       envOrDefaultFloat("VAD_THRESHOLD", 0.01),
			VADBackend:         envOrDefault("VAD_BACKEND", "energy"),
			VADMode:            envOrDefaultInt("VAD_MODE", 2),
			SilenceDuration:    envOrDefaultDuration("SILENCE_DURATION", 500*time.Millisecond),
			MaxSegmentDuration: envOrDefaultDuration("MAX_SEGMENT_DURATION", 10*time.Second),
			PartialThreshold:   envOrDefaultDuration("PARTIAL_THRESHOLD", time.Second),
			PartialInterval:    envOrDefaultDuration("PARTIAL_INTERVAL", 300*time.Millisecond),
		},
		Engine: EngineConfig{
			Provider:     envOrDefault("ENGINE_PROVIDER", "stub"),
			LanguageCode: envOrDefault("ENGINE_LANGUAGE_CODE", "en-US"),
			Timeout:      envOrDefaultDuration("ENGINE_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "transcripts.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "transcripts.final"),
			Source:       envOrDefault("KAFKA_SOURCE", name),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
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

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
