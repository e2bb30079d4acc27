package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the pastexam companion daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel string
	LogDev   bool

	APIBaseURL         string
	HTTPTimeout        time.Duration
	WSHandshakeTimeout time.Duration

	StateDir    string
	DatabaseURL string

	AuthNoticeCooldown time.Duration
	AuthNoticeLife     time.Duration
	AuthLandingRoute   string

	AIExamMaxArchives        int
	AIExamDefaultTemperature float64
}

// Load reads an optional .env file, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "pastexam"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		APIBaseURL:       envOrDefault("PASTEXAM_API_BASE_URL", "http://localhost:8000/api"),
		StateDir:         stringsTrimSpace("STATE_DIR"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		AuthLandingRoute: envOrDefault("AUTH_LANDING_ROUTE", "/"),

		ShutdownTimeout:    15 * time.Second,
		HTTPTimeout:        30 * time.Second,
		WSHandshakeTimeout: 5 * time.Second,
		// Matches the browser client: the notice lock is released one second after the last trigger.
		AuthNoticeCooldown: time.Second,
		AuthNoticeLife:     3 * time.Second,

		AIExamMaxArchives:        3,
		AIExamDefaultTemperature: 0.7,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPTimeout, err = durationFromEnv("PASTEXAM_HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSHandshakeTimeout, err = durationFromEnv("PASTEXAM_WS_HANDSHAKE_TIMEOUT", cfg.WSHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthNoticeCooldown, err = durationFromEnv("AUTH_NOTICE_COOLDOWN", cfg.AuthNoticeCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthNoticeLife, err = durationFromEnv("AUTH_NOTICE_LIFE", cfg.AuthNoticeLife)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDev, err = boolFromEnv("APP_LOG_DEV", cfg.LogDev)
	if err != nil {
		return Config{}, err
	}
	cfg.AIExamMaxArchives, err = intFromEnv("AI_EXAM_MAX_ARCHIVES", cfg.AIExamMaxArchives)
	if err != nil {
		return Config{}, err
	}
	cfg.AIExamDefaultTemperature, err = floatFromEnv("AI_EXAM_DEFAULT_TEMPERATURE", cfg.AIExamDefaultTemperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("PASTEXAM_API_BASE_URL must not be empty")
	}
	if cfg.AuthNoticeCooldown < 0 {
		return Config{}, fmt.Errorf("AUTH_NOTICE_COOLDOWN must be >= 0")
	}
	if cfg.AIExamMaxArchives <= 0 {
		return Config{}, fmt.Errorf("AI_EXAM_MAX_ARCHIVES must be positive")
	}
	if cfg.AIExamDefaultTemperature < 0 || cfg.AIExamDefaultTemperature > 2 {
		return Config{}, fmt.Errorf("AI_EXAM_DEFAULT_TEMPERATURE must be within [0, 2]")
	}
	if !strings.HasPrefix(cfg.AuthLandingRoute, "/") {
		return Config{}, fmt.Errorf("AUTH_LANDING_ROUTE must start with /")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
