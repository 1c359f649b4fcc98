package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the backend configuration
type Config struct {
	Simulation struct {
		URL                  string `yaml:"url"`                    // Simulation WebSocket URL (e.g., ws://localhost:3001)
		CameraURL            string `yaml:"camera_url"`             // Optional separate camera feed URL; empty = share the main link
		ReconnectInterval    int    `yaml:"reconnect_interval"`     // Seconds between reconnect attempts (default: 5)
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"` // Attempt ceiling before the link fails (default: 10)
	} `yaml:"simulation"`

	Training struct {
		TotalTimesteps  int     `yaml:"total_timesteps"`   // Training step budget (default: 1000000)
		MaxEpisodeSteps int     `yaml:"max_episode_steps"` // Episode length cap (default: 1000)
		SaveFreq        int     `yaml:"save_freq"`         // Checkpoint every N steps (default: 10000)
		LogInterval     int     `yaml:"log_interval"`      // Log progress every N steps (default: 100)
		StepIntervalMS  int     `yaml:"step_interval_ms"`  // Pacing delay per step in milliseconds (default: 50)
		LearningRate    float64 `yaml:"learning_rate"`     // Policy learning rate (default: 3e-4)
		Gamma           float64 `yaml:"gamma"`             // Discount factor (default: 0.99)
	} `yaml:"training"`

	Classifier struct {
		URL string `yaml:"url"` // Plant classifier service URL; empty disables the bridge
	} `yaml:"classifier"`

	Checkpoints struct {
		Path string `yaml:"path"` // SQLite checkpoint database path (default: ./data/checkpoints.db)
	} `yaml:"checkpoints"`

	API struct {
		Address string `yaml:"address"` // Control API listen address (default: :8080)
	} `yaml:"api"`
}

// Load reads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Validate required fields
	if cfg.Simulation.URL == "" {
		return nil, fmt.Errorf("simulation.url is required")
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Simulation.ReconnectInterval <= 0 {
		c.Simulation.ReconnectInterval = 5
	}
	if c.Simulation.MaxReconnectAttempts <= 0 {
		c.Simulation.MaxReconnectAttempts = 10
	}
	if c.Training.TotalTimesteps <= 0 {
		c.Training.TotalTimesteps = 1000000
	}
	if c.Training.MaxEpisodeSteps <= 0 {
		c.Training.MaxEpisodeSteps = 1000
	}
	if c.Training.SaveFreq <= 0 {
		c.Training.SaveFreq = 10000
	}
	if c.Training.LogInterval <= 0 {
		c.Training.LogInterval = 100
	}
	if c.Training.StepIntervalMS <= 0 {
		c.Training.StepIntervalMS = 50
	}
	if c.Training.LearningRate <= 0 {
		c.Training.LearningRate = 3e-4
	}
	if c.Training.Gamma <= 0 {
		c.Training.Gamma = 0.99
	}
	if c.Checkpoints.Path == "" {
		c.Checkpoints.Path = "./data/checkpoints.db"
	}
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
}

// ReconnectIntervalDuration returns the reconnect interval as a Duration.
func (c *Config) ReconnectIntervalDuration() time.Duration {
	return time.Duration(c.Simulation.ReconnectInterval) * time.Second
}

// StepInterval returns the per-step pacing delay as a Duration.
func (c *Config) StepInterval() time.Duration {
	return time.Duration(c.Training.StepIntervalMS) * time.Millisecond
}
