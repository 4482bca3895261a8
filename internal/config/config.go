// Package config provides configuration loading for the worker process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the worker.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings
	BearerToken  string
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Upstream agent settings
	AgentCommand    string
	AgentArgs       []string
	AgentCwd        string
	AgentEnv        []string
	RequestTimeout  time.Duration
	ShowRolloutLogs bool

	// Cache store settings
	DBPath string

	// Event log settings
	EventRetention int

	// Thread projection settings
	ProjectionCacheTTL time.Duration

	// Terminal settings
	DefaultShell       string
	DefaultRows        int
	DefaultCols        int
	MaxSessions        int
	MaxInputBytes      int
	MaxScrollbackBytes int
	IdleSweepInterval  time.Duration
	IdleTTL            time.Duration
	TerminalHeartbeat  time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// SSE settings
	SSEHeartbeat time.Duration

	// Push dispatcher settings
	PushFlushInterval time.Duration
	PushMaxBatchSize  int
	PushMaxQueueSize  int

	// Diagnostics reporting: an optional operator-configured endpoint errors
	// and upstream-agent crashes are forwarded to. Left empty, no reporting
	// happens (the reporter is nil-safe).
	NodeID                   string
	DiagnosticsURL           string
	DiagnosticsToken         string
	DiagnosticsFlushInterval time.Duration

	// Allow-listed projects createThread may resolve a projectSelector against.
	Projects []Project
}

// Project is one allow-listed project a thread can be created against.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("WORKER_PORT", 8080),
		Host:           getEnv("WORKER_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		BearerToken:  getEnv("BEARER_TOKEN", ""),
		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "worker"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		AgentCommand:    getEnv("AGENT_COMMAND", ""),
		AgentArgs:       getEnvStringSlice("AGENT_ARGS", nil),
		AgentCwd:        getEnv("AGENT_CWD", "."),
		AgentEnv:        getEnvStringSlice("AGENT_ENV", nil),
		RequestTimeout:  getEnvDuration("AGENT_REQUEST_TIMEOUT", 120*time.Second),
		ShowRolloutLogs: getEnvBool("WORKER_SHOW_ROLLOUT_WARNINGS", false),

		DBPath: getEnv("WORKER_DB_PATH", "./worker.db"),

		EventRetention: getEnvInt("EVENT_RETENTION", 2000),

		ProjectionCacheTTL: getEnvDuration("PROJECTION_CACHE_TTL", 5*time.Second),

		DefaultShell:       getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:        getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:        getEnvInt("DEFAULT_COLS", 80),
		MaxSessions:        getEnvInt("TERMINAL_MAX_SESSIONS", 50),
		MaxInputBytes:      getEnvInt("TERMINAL_MAX_INPUT_BYTES", 65536),
		MaxScrollbackBytes: getEnvInt("TERMINAL_MAX_SCROLLBACK_BYTES", 2*1024*1024),
		IdleSweepInterval:  getEnvDuration("TERMINAL_IDLE_SWEEP_INTERVAL", 10*time.Second),
		IdleTTL:            getEnvDuration("TERMINAL_IDLE_TTL", 20*time.Minute),
		TerminalHeartbeat:  getEnvDuration("TERMINAL_HEARTBEAT", 15*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: 0, // long-lived SSE/WS connections must not be killed by a write deadline
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		SSEHeartbeat: getEnvDuration("SSE_HEARTBEAT", 15*time.Second),

		PushFlushInterval: getEnvDuration("PUSH_FLUSH_INTERVAL", 30*time.Second),
		PushMaxBatchSize:  getEnvInt("PUSH_MAX_BATCH_SIZE", 10),
		PushMaxQueueSize:  getEnvInt("PUSH_MAX_QUEUE_SIZE", 200),

		NodeID:                   getEnv("WORKER_NODE_ID", hostnameOrUnknown()),
		DiagnosticsURL:           getEnv("DIAGNOSTICS_URL", ""),
		DiagnosticsToken:         getEnv("DIAGNOSTICS_TOKEN", ""),
		DiagnosticsFlushInterval: getEnvDuration("DIAGNOSTICS_FLUSH_INTERVAL", 30*time.Second),

		Projects: getEnvProjects("WORKER_PROJECTS"),
	}

	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("AGENT_COMMAND is required")
	}
	if cfg.BearerToken == "" && cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("BEARER_TOKEN or JWKS_ENDPOINT is required")
	}

	return cfg, nil
}

func hostnameOrUnknown() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvProjects parses WORKER_PROJECTS as a comma-separated list of
// "id:path:name" triples, e.g. "app:/repos/app:Mobile App,api:/repos/api:API".
func getEnvProjects(key string) []Project {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var projects []Project
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			continue
		}
		p := Project{ID: parts[0], Path: parts[1]}
		if len(parts) == 3 {
			p.Name = parts[2]
		} else {
			p.Name = p.ID
		}
		projects = append(projects, p)
	}
	return projects
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
