package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	// KafkaTopic carries ride lifecycle events; KafkaLocationTopic carries
	// driver location updates. They are distinct topics because the mirror
	// consumer must never interpret a lifecycle event as a location.
	KafkaTopic         string
	KafkaLocationTopic string

	PGDSN string

	// FleetEndpoint is the base URL of the external vehicle service.
	FleetEndpoint string

	JWTSecret string

	// SaturationCap is the maximum driver load before the matcher skips
	// that driver; rides stay pending when everyone is at the cap.
	SaturationCap int
	// HeartbeatInterval is the expected client heartbeat cadence. A
	// connection is purged after HeartbeatMisses missed beats.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	// SweepInterval drives the periodic broadcast ping and dead
	// connection sweep.
	SweepInterval time.Duration
	// RebalancePeriod schedules the background matching pass.
	RebalancePeriod time.Duration
	// ReliabilityThreshold is the score at which a driver is flagged.
	ReliabilityThreshold int
	// PullWindow is the default lookback for the updates endpoint.
	PullWindow time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:         "ride-events",
		KafkaLocationTopic: "driver-locations",

		SaturationCap:        5,
		HeartbeatInterval:    45 * time.Second,
		HeartbeatMisses:      2,
		SweepInterval:        30 * time.Second,
		RebalancePeriod:      time.Minute,
		ReliabilityThreshold: 40,
		PullWindow:           30 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.FleetEndpoint = strings.TrimRight(os.Getenv("FLEET_ENDPOINT"), "/")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.SaturationCap, "DISPATCH_SATURATION_CAP", &errs)
	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setIntFromEnv(&cfg.HeartbeatMisses, "HEARTBEAT_MISSES", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RebalancePeriod, "REBALANCE_PERIOD", &errs)
	setIntFromEnv(&cfg.ReliabilityThreshold, "RELIABILITY_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.PullWindow, "PULL_WINDOW", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SaturationCap <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SATURATION_CAP must be > 0"))
	}
	if cfg.HeartbeatMisses <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_MISSES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// HeartbeatTimeout is the liveness deadline: a connection silent for this
// long is treated as dead on the next sweep.
func (c ServerConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMisses)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
