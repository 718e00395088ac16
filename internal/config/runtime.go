package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// DefaultAPIBase is the production repository/indexing API
	DefaultAPIBase = "https://api.greptile.com/v1"
	// DefaultAgentURL is the streaming assistant endpoint
	DefaultAgentURL = "https://agent.greptile.com/"
	// DefaultPollInterval is the reconciliation tick interval
	DefaultPollInterval = 1 * time.Second
)

// RuntimeConfig holds configuration for the host process
type RuntimeConfig struct {
	APIBase      string        // Base URL for the repository status API
	AgentURL     string        // Streaming assistant endpoint
	StateDir     string        // Directory for persisted session state
	HomeDir      string        // User home directory
	Port         int           // HTTP listen port for the webview surface
	PollInterval time.Duration // Reconciler tick interval
}

var (
	// Runtime is the global runtime configuration instance
	Runtime *RuntimeConfig
)

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime builds the runtime configuration from the environment
func DetectRuntime() *RuntimeConfig {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}

	config := &RuntimeConfig{
		APIBase:      DefaultAPIBase,
		AgentURL:     DefaultAgentURL,
		StateDir:     filepath.Join(homeDir, ".greptile"),
		HomeDir:      homeDir,
		Port:         3841,
		PollInterval: DefaultPollInterval,
	}

	if base := os.Getenv("GREPTILE_API_BASE"); base != "" {
		config.APIBase = base
	}
	if agent := os.Getenv("GREPTILE_AGENT_URL"); agent != "" {
		config.AgentURL = agent
	}
	if dir := os.Getenv("GREPTILE_HOME"); dir != "" {
		config.StateDir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if interval := os.Getenv("GREPTILE_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.PollInterval = d
		}
	}

	if err := ensureDir(config.StateDir); err != nil {
		log.Printf("Warning: Failed to create state directory %s: %v", config.StateDir, err)
	}

	return config
}

// ensureDir creates a directory if it doesn't exist
func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
