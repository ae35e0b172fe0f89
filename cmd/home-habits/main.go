package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"home-habits/internal/bus"
	"home-habits/internal/collector"
	"home-habits/internal/detector"
	"home-habits/internal/ha"
	"home-habits/internal/scheduler"
	"home-habits/internal/store"
	"home-habits/internal/suggest"
	"home-habits/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	HomeAssistant struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"homeassistant"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Patterns struct {
		LookbackDays            int     `yaml:"lookback_days"`
		MinTimeOccurrences      int     `yaml:"min_time_occurrences"`
		MinSequenceOccurrences  int     `yaml:"min_sequence_occurrences"`
		TimeWindowMinutes       float64 `yaml:"time_window_minutes"`
		MinSequenceDelaySeconds int     `yaml:"min_sequence_delay_seconds"`
		MaxSequenceDelaySeconds int     `yaml:"max_sequence_delay_seconds"`
	} `yaml:"patterns"`
	Scheduler struct {
		SyncInterval    string `yaml:"sync_interval"`
		DetectInterval  string `yaml:"detect_interval"`
		CleanupInterval string `yaml:"cleanup_interval"`
		RetentionDays   int    `yaml:"retention_days"`
	} `yaml:"scheduler"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is set")
	}
	return nil
}

func (c *Config) schedulerConfig() (scheduler.Config, error) {
	var cfg scheduler.Config
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Scheduler.SyncInterval, "scheduler.sync_interval", &cfg.SyncInterval},
		{c.Scheduler.DetectInterval, "scheduler.detect_interval", &cfg.DetectInterval},
		{c.Scheduler.CleanupInterval, "scheduler.cleanup_interval", &cfg.CleanupInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	if c.Scheduler.RetentionDays > 0 {
		cfg.Retention = time.Duration(c.Scheduler.RetentionDays) * 24 * time.Hour
	}
	return cfg, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	schedCfg, err := cfg.schedulerConfig()
	if err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("home-habits starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := bus.New(logger)

	haClient := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	resolver := ha.NewNameResolver(haClient)

	coll := collector.New(haClient, db, events, collector.Config{}, logger)
	det := detector.New(db, detector.Config{
		LookbackDays:           cfg.Patterns.LookbackDays,
		MinTimeOccurrences:     cfg.Patterns.MinTimeOccurrences,
		MinSequenceOccurrences: cfg.Patterns.MinSequenceOccurrences,
		TimeWindowMinutes:      cfg.Patterns.TimeWindowMinutes,
		MinSequenceDelay:       time.Duration(cfg.Patterns.MinSequenceDelaySeconds) * time.Second,
		MaxSequenceDelay:       time.Duration(cfg.Patterns.MaxSequenceDelaySeconds) * time.Second,
	}, logger)
	generator := suggest.New(db, resolver, logger)

	sched := scheduler.New(coll, det, db, events, schedCfg, logger)
	sched.Start()

	// Optional live ingestion from the MQTT statestream.
	var stream *collector.Statestream
	if cfg.MQTT.Enabled {
		stream, err = collector.NewStatestream(db, events, collector.StatestreamConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect statestream", "err", err)
			os.Exit(1)
		}
	}

	// Web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(db, sched, generator, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if stream != nil {
		stream.Stop()
	}
	sched.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8099"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "home-habits.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "homeassistant/statestream"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
