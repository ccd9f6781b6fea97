package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all fleetd configuration from environment variables.
type Config struct {
	// HTTP
	ListenAddr string

	// Storage
	DBPath      string
	CatalogPath string

	// Protocol timing
	LivenessTimeout time.Duration // heartbeat age under which a device counts as online
	SkewTolerance   time.Duration // max |now - signature timestamp|
	LongPollMax     time.Duration // upper bound on Poll wait parameter
	ShellIdleLimit  time.Duration // shell session idle cutoff
	ExpireEvery     time.Duration // command expiry sweep interval

	// Notifications
	WebhookURL     string
	WebhookHeaders string // "Key: Value; Key2: Value2"
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTQoS        int

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:      envStr("FLEETD_LISTEN_ADDR", ":8420"),
		DBPath:          envStr("FLEETD_DB_PATH", "/data/fleetd.db"),
		CatalogPath:     envStr("FLEETD_CATALOG_PATH", "/etc/fleetd/catalog.yaml"),
		LivenessTimeout: envDuration("FLEETD_LIVENESS_TIMEOUT", 120*time.Second),
		SkewTolerance:   envDuration("FLEETD_SKEW_TOLERANCE", 5*time.Minute),
		LongPollMax:     envDuration("FLEETD_LONGPOLL_MAX", 30*time.Second),
		ShellIdleLimit:  envDuration("FLEETD_SHELL_IDLE_LIMIT", 10*time.Minute),
		ExpireEvery:     envDuration("FLEETD_EXPIRE_EVERY", 30*time.Second),
		WebhookURL:      envStr("FLEETD_WEBHOOK_URL", ""),
		WebhookHeaders:  envStr("FLEETD_WEBHOOK_HEADERS", ""),
		MQTTBroker:      envStr("FLEETD_MQTT_BROKER", ""),
		MQTTTopic:       envStr("FLEETD_MQTT_TOPIC", "fleetd/events"),
		MQTTClientID:    envStr("FLEETD_MQTT_CLIENT_ID", "fleetd"),
		MQTTUsername:    envStr("FLEETD_MQTT_USERNAME", ""),
		MQTTPassword:    envStr("FLEETD_MQTT_PASSWORD", ""),
		MQTTQoS:         envInt("FLEETD_MQTT_QOS", 0),
		LogJSON:         envBool("FLEETD_LOG_JSON", true),
		LogLevel:        envStr("FLEETD_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.LivenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FLEETD_LIVENESS_TIMEOUT must be > 0, got %s", c.LivenessTimeout))
	}
	if c.SkewTolerance <= 0 {
		errs = append(errs, fmt.Errorf("FLEETD_SKEW_TOLERANCE must be > 0, got %s", c.SkewTolerance))
	}
	if c.LongPollMax < 0 {
		errs = append(errs, fmt.Errorf("FLEETD_LONGPOLL_MAX must be >= 0, got %s", c.LongPollMax))
	}
	if c.ShellIdleLimit <= 0 {
		errs = append(errs, fmt.Errorf("FLEETD_SHELL_IDLE_LIMIT must be > 0, got %s", c.ShellIdleLimit))
	}
	if c.ExpireEvery <= 0 {
		errs = append(errs, fmt.Errorf("FLEETD_EXPIRE_EVERY must be > 0, got %s", c.ExpireEvery))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("FLEETD_MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
