// Package config loads the ALD agent's configuration from environment
// variables, per spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
)

// PLCMode selects between a real Modbus/TCP gateway and the in-process
// simulation model used for recipe-level testing without hardware.
type PLCMode string

const (
	PLCModeReal       PLCMode = "real"
	PLCModeSimulation PLCMode = "simulation"
)

// Config holds all configuration for the ALD agent.
type Config struct {
	MachineID string
	Version   string
	Database  DatabaseConfig
	PLC       PLCConfig
	Sampler   SamplerConfig
	Telemetry TelemetryConfig
	Health    HealthConfig
}

// DatabaseConfig is the cloud database connection.
type DatabaseConfig struct {
	URL            string
	Key            string
	MaxConnections int
	OpTimeout      time.Duration
}

// PLCConfig selects and configures the Modbus/TCP gateway.
type PLCConfig struct {
	Mode PLCMode
	Host string
	Port int

	PoolSize       int
	AcquireTimeout time.Duration
	OpTimeout      time.Duration
	MaxRetries     int

	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
}

// SamplerConfig tunes the continuous sampler (C4).
type SamplerConfig struct {
	Interval            time.Duration
	ConsecutiveErrorCap int
	BackoffOnCap        time.Duration
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// HealthConfig configures the health HTTP surface.
type HealthConfig struct {
	Port int
}

// Load reads configuration from environment variables with sensible
// defaults, validating the required fields per spec §6 / §7 (ConfigError).
func Load() (*Config, error) {
	machineID := envStr("ALD_MACHINE_ID", "")
	if machineID == "" {
		return nil, &errs.ConfigError{Field: "ALD_MACHINE_ID", Msg: "machine identifier is required"}
	}

	dbURL := envStr("DATABASE_URL", "")
	if dbURL == "" {
		return nil, &errs.ConfigError{Field: "DATABASE_URL", Msg: "database URL is required"}
	}

	mode := PLCMode(envStr("ALD_PLC_MODE", string(PLCModeSimulation)))
	if mode != PLCModeReal && mode != PLCModeSimulation {
		return nil, &errs.ConfigError{Field: "ALD_PLC_MODE", Msg: fmt.Sprintf("unknown mode %q", mode)}
	}
	if mode == PLCModeReal && envStr("ALD_PLC_HOST", "") == "" {
		return nil, &errs.ConfigError{Field: "ALD_PLC_HOST", Msg: "required when ALD_PLC_MODE=real"}
	}

	return &Config{
		MachineID: machineID,
		Version:   envStr("ALD_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            dbURL,
			Key:            envStr("DATABASE_KEY", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			OpTimeout:      envDuration("ALD_DB_OP_TIMEOUT", 5*time.Second),
		},
		PLC: PLCConfig{
			Mode:                mode,
			Host:                envStr("ALD_PLC_HOST", "127.0.0.1"),
			Port:                envInt("ALD_PLC_PORT", 502),
			PoolSize:            envInt("ALD_PLC_POOL_SIZE", 4),
			AcquireTimeout:      envDuration("ALD_PLC_ACQUIRE_TIMEOUT", 2*time.Second),
			OpTimeout:           envDuration("ALD_PLC_OP_TIMEOUT", 2*time.Second),
			MaxRetries:          envInt("ALD_PLC_MAX_RETRIES", 3),
			ReconnectBackoffMin: envDuration("ALD_PLC_RECONNECT_MIN", 1*time.Second),
			ReconnectBackoffMax: envDuration("ALD_PLC_RECONNECT_MAX", 30*time.Second),
		},
		Sampler: SamplerConfig{
			Interval:            envDuration("ALD_SAMPLER_INTERVAL", 1*time.Second),
			ConsecutiveErrorCap: envInt("ALD_SAMPLER_ERROR_CAP", 5),
			BackoffOnCap:        envDuration("ALD_SAMPLER_BACKOFF", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "ald-agent"),
		},
		Health: HealthConfig{
			Port: envInt("ALD_HEALTH_PORT", 8090),
		},
	}, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
