package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the sample's settings. Every key can be set through the
// environment, e.g. RANDOMNUMBER_INTERVAL=250ms.
type Config struct {
	Interval    time.Duration
	Max         int
	ClearEvery  int
	MonitorAddr string
	GRPCAddr    string
	LogLevel    slog.Level
}

func loadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("randomnumber")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("interval", time.Second)
	v.SetDefault("max", 100)
	v.SetDefault("clear_every", 10)
	v.SetDefault("monitor_addr", "")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("log_level", "info")

	cfg := &Config{
		Interval:    v.GetDuration("interval"),
		Max:         v.GetInt("max"),
		ClearEvery:  v.GetInt("clear_every"),
		MonitorAddr: v.GetString("monitor_addr"),
		GRPCAddr:    v.GetString("grpc_addr"),
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("max must be positive, got %d", cfg.Max)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}
	return cfg, nil
}
