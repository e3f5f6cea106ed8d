package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the full incidentd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Delegates DelegatesConfig `koanf:"delegates"`
	Models    ModelsConfig    `koanf:"models"`
	Planner   PlannerConfig   `koanf:"planner"`
	Jobs      JobsConfig      `koanf:"jobs"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures the event transport and the session KV store.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Token         Secret   `koanf:"token"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// DelegatesConfig configures the remote role collaborators.
type DelegatesConfig struct {
	TriageURL       string `koanf:"triage_url"`
	CodeAnalysisURL string `koanf:"code_analysis_url"`
	SynthesisURL    string `koanf:"synthesis_url"`
	OperationalURL  string `koanf:"operational_url"`

	RoleTimeout        Duration `koanf:"role_timeout"`
	OperationalTimeout Duration `koanf:"operational_timeout"`
	MaxAttempts        int      `koanf:"max_attempts"`
}

// ModelsConfig lists the ordered fallback candidates applied around each
// role delegation.
type ModelsConfig struct {
	Candidates []string `koanf:"candidates"`
}

// PlannerConfig configures the planning-tool subprocess.
type PlannerConfig struct {
	Command     string   `koanf:"command"`
	Args        []string `koanf:"args"`
	CallTimeout Duration `koanf:"call_timeout"`
}

// JobsConfig configures the in-memory job registry.
type JobsConfig struct {
	EventCap       int      `koanf:"event_cap"`
	SessionTimeout Duration `koanf:"session_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`

	// OTEL mirrors log output to the globally registered OpenTelemetry
	// logger provider.
	OTEL bool `koanf:"otel"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(2 * time.Second)
	}

	if cfg.Delegates.RoleTimeout == 0 {
		cfg.Delegates.RoleTimeout = Duration(900 * time.Second)
	}
	if cfg.Delegates.OperationalTimeout == 0 {
		cfg.Delegates.OperationalTimeout = Duration(600 * time.Second)
	}
	if cfg.Delegates.MaxAttempts == 0 {
		cfg.Delegates.MaxAttempts = 2
	}

	if cfg.Planner.CallTimeout == 0 {
		cfg.Planner.CallTimeout = Duration(300 * time.Second)
	}

	if cfg.Jobs.EventCap == 0 {
		cfg.Jobs.EventCap = 100
	}
	if cfg.Jobs.SessionTimeout == 0 {
		cfg.Jobs.SessionTimeout = Duration(2 * time.Hour)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for internally inconsistent or
// unusable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	for name, u := range map[string]string{
		"delegates.triage_url":        c.Delegates.TriageURL,
		"delegates.code_analysis_url": c.Delegates.CodeAnalysisURL,
		"delegates.synthesis_url":     c.Delegates.SynthesisURL,
		"delegates.operational_url":   c.Delegates.OperationalURL,
	} {
		if u == "" {
			continue // optional; the engine rejects work it has no endpoint for
		}
		if err := validateURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Planner.Command == "" {
		return fmt.Errorf("planner.command is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}
