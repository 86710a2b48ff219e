// Package config holds the client configuration record. Values are read from
// the environment exactly once, at construction; mutating the environment
// afterwards has no effect on a live client.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults applied when neither the environment nor the caller supplies a
// value.
const (
	DefaultEndpoint       = "https://api.smith.langchain.com"
	DefaultBatchSize      = 100
	DefaultBatchSizeBytes = 20 * 1024 * 1024
	DefaultMaxConcurrency = 10
	DefaultMaxRetries     = 6
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultHighWaterMark  = 10000
)

// Config is the full client configuration record.
type Config struct {
	Endpoint       string
	APIKey         string
	DefaultProject string
	TracingEnabled bool

	BatchSizeLimit      int
	BatchSizeBytesLimit int64
	MaxConcurrency      int64
	HighWaterMark       int

	BlockOnRootFinalization bool
	ManualFlushMode         bool
	SamplingRate            float64

	AutoFlushInterval time.Duration

	HTTPTimeout   time.Duration
	MaxRetries    int
	ShutdownGrace time.Duration

	// OTLPEndpoint, when set, enables export of the SDK's own operational
	// metrics over OTLP/gRPC.
	OTLPEndpoint string

	UserAgent string
}

// FromEnviron builds a Config from the process environment. The LANGSMITH_*
// names win over their legacy LANGCHAIN_* aliases when both are set.
func FromEnviron() Config {
	cfg := Defaults()
	cfg.Endpoint = envFirst(cfg.Endpoint, "LANGSMITH_ENDPOINT", "LANGCHAIN_ENDPOINT")
	cfg.APIKey = envFirst(cfg.APIKey, "LANGSMITH_API_KEY", "LANGCHAIN_API_KEY")
	cfg.DefaultProject = envFirst(cfg.DefaultProject, "LANGSMITH_PROJECT", "LANGCHAIN_PROJECT")
	cfg.TracingEnabled = envBool(cfg.TracingEnabled, "LANGSMITH_TRACING", "LANGCHAIN_TRACING_V2")

	if os.Getenv("OTEL_ENABLED") == "true" {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return cfg
}

// Defaults returns the configuration used when nothing is set in the
// environment. Tracing is enabled by default; the master env flag can turn
// it off.
func Defaults() Config {
	return Config{
		Endpoint:            DefaultEndpoint,
		TracingEnabled:      true,
		BatchSizeLimit:      DefaultBatchSize,
		BatchSizeBytesLimit: DefaultBatchSizeBytes,
		MaxConcurrency:      DefaultMaxConcurrency,
		HighWaterMark:       DefaultHighWaterMark,
		SamplingRate:        1.0,
		AutoFlushInterval:   250 * time.Millisecond,
		HTTPTimeout:         DefaultHTTPTimeout,
		MaxRetries:          DefaultMaxRetries,
		ShutdownGrace:       DefaultShutdownGrace,
		UserAgent:           "tracekit-go",
	}
}

// envFirst returns the first non-empty value among the named variables,
// falling back to def.
func envFirst(def string, names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return def
}

// envBool parses the first set variable among names as a boolean flag with
// strconv.ParseBool ("false"/"0"/"f" disable, "true"/"1"/"t" enable, in the
// case forms it accepts); anything else keeps the default.
func envBool(def bool, names ...string) bool {
	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return parsed
	}
	return def
}
