// Package config reads process configuration from the environment. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BufferTable     string
	StateMachineARN string
	ParamPrefix     string

	ChannelAPIBaseURL string
	SPARQLEndpoint    string
	OpenAIModel       string

	// Server mode only. In Lambda mode the delay lives in the state
	// machine's Wait state and these stay zero.
	DebounceDelay time.Duration
	MaxBufferWait time.Duration
	MaxDispatch   int

	CallTimeout  time.Duration
	HistoryLimit int

	LogLevel     string
	Port         string
	OTLPEndpoint string
	// DynamoDBEndpoint overrides the DynamoDB endpoint, for DynamoDB Local.
	DynamoDBEndpoint string
}

// Mode selects which variables are mandatory.
type Mode int

const (
	// ModeLambda needs the durable buffer and the Step Functions machine.
	ModeLambda Mode = iota
	// ModeServer schedules in process and may run on the in-memory buffer.
	ModeServer
)

// Load reads the configuration for mode. Malformed numeric or duration
// values are reported, not silently replaced by defaults.
func Load(mode Mode) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}

	var errs []error
	c := &Config{
		BufferTable:       strings.TrimSpace(os.Getenv("BUFFER_TABLE")),
		StateMachineARN:   strings.TrimSpace(os.Getenv("STATE_MACHINE_ARN")),
		ParamPrefix:       strings.TrimSpace(os.Getenv("PARAM_PREFIX")),
		ChannelAPIBaseURL: getEnv("CHANNEL_API_BASE_URL", "https://api.channel.io/open/v5"),
		SPARQLEndpoint:    strings.TrimSpace(os.Getenv("SPARQL_ENDPOINT")),
		OpenAIModel:       strings.TrimSpace(os.Getenv("OPENAI_MODEL")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnv("PORT", "8080"),
		OTLPEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		DynamoDBEndpoint:  strings.TrimSpace(os.Getenv("DYNAMODB_ENDPOINT")),
	}
	c.CallTimeout = getEnvDuration("CALL_TIMEOUT", 5*time.Second, &errs)
	c.HistoryLimit = getEnvInt("HISTORY_LIMIT", 200, &errs)
	if mode == ModeServer {
		c.DebounceDelay = getEnvDuration("DEBOUNCE_DELAY", 10*time.Second, &errs)
		c.MaxBufferWait = getEnvDuration("MAX_BUFFER_WAIT", 0, &errs)
		c.MaxDispatch = getEnvInt("MAX_CONCURRENT_DISPATCH", 8, &errs)
		if c.DebounceDelay <= 0 {
			errs = append(errs, errors.New("DEBOUNCE_DELAY must be positive"))
		}
		if c.MaxDispatch <= 0 {
			errs = append(errs, errors.New("MAX_CONCURRENT_DISPATCH must be positive"))
		}
	}

	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if mode == ModeLambda {
		if c.BufferTable == "" {
			errs = append(errs, errors.New("BUFFER_TABLE is required"))
		}
		if c.StateMachineARN == "" {
			errs = append(errs, errors.New("STATE_MACHINE_ARN is required"))
		}
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("CALL_TIMEOUT must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// getEnvDuration accepts Go durations ("10s", "1m30s") and bare integers as
// seconds.
func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
