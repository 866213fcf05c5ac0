package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// config is the process configuration, read from the environment.
type config struct {
	Host     string // RELAY_HOST
	Port     int    // PORT
	HTTPAddr string // HTTP_ADDR

	LogLevel  zerolog.Level // LOG_LEVEL
	LogFormat string        // LOG_FORMAT: json or console
	LogFile   string        // LOG_FILE

	HistorySize    int           // HISTORY_SIZE
	IdleTimeout    time.Duration // IDLE_TIMEOUT
	WriteTimeout   time.Duration // WRITE_TIMEOUT
	TCPUserTimeout time.Duration // TCP_USER_TIMEOUT
	MaxFrameBytes  int64         // MAX_FRAME_BYTES
}

func (c config) relayAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// loadConfig reads the configuration through getenv. Unset variables take
// their defaults; malformed ones are an error.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Host:      "0.0.0.0",
		Port:      8080,
		HTTPAddr:  ":5000",
		LogLevel:  zerolog.InfoLevel,
		LogFormat: "json",
	}

	if v := getenv("RELAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return cfg, fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Port = port
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		level, err := zerolog.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		if v != "json" && v != "console" {
			return cfg, fmt.Errorf("LOG_FORMAT: want json or console, got %q", v)
		}
		cfg.LogFormat = v
	}
	cfg.LogFile = getenv("LOG_FILE")

	var err error
	if cfg.HistorySize, err = intVar(getenv, "HISTORY_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = durationVar(getenv, "IDLE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = durationVar(getenv, "WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.TCPUserTimeout, err = durationVar(getenv, "TCP_USER_TIMEOUT"); err != nil {
		return cfg, err
	}
	maxFrame, err := intVar(getenv, "MAX_FRAME_BYTES")
	if err != nil {
		return cfg, err
	}
	cfg.MaxFrameBytes = int64(maxFrame)

	return cfg, nil
}

func intVar(getenv func(string) string, name string) (int, error) {
	v := getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative", name)
	}
	return n, nil
}

func durationVar(getenv func(string) string, name string) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", name)
	}
	return d, nil
}
