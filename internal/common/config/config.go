// Package config provides configuration management for hyperagent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hexafield/hyperagent/internal/common/logger"
)

// Config holds all configuration sections for hyperagent.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	Worker   WorkerConfig         `mapstructure:"worker"`
	Runner   RunnerConfig         `mapstructure:"runner"`
	Session  SessionConfig        `mapstructure:"session"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Auth     AuthConfig           `mapstructure:"auth"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig holds polling-loop configuration for the workflow runtime.
type WorkerConfig struct {
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	Limit           int           `mapstructure:"limit"`
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	WorkflowUserID  string        `mapstructure:"workflowUserId"`
	StuckThreshold  time.Duration `mapstructure:"stuckThreshold"`
	LeaseWaitWindow time.Duration `mapstructure:"leaseWaitWindow"`
}

// RunnerConfig holds runner gateway configuration.
type RunnerConfig struct {
	// Mode selects the gateway implementation: "docker" or "loopback".
	Mode            string        `mapstructure:"mode"`
	Image           string        `mapstructure:"image"`
	DockerHost      string        `mapstructure:"dockerHost"`
	APIVersion      string        `mapstructure:"apiVersion"`
	Network         string        `mapstructure:"network"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueueTimeout"`
	CallbackBaseURL string        `mapstructure:"callbackBaseUrl"`
	// PassthroughEnv lists environment variable names forwarded into sandboxes.
	PassthroughEnv []string `mapstructure:"passthroughEnv"`
	AgentProvider  string   `mapstructure:"agentProvider"`
	AgentModel     string   `mapstructure:"agentModel"`
	AgentMaxRounds int      `mapstructure:"agentMaxRounds"`
}

// SessionConfig holds isolation-session configuration.
type SessionConfig struct {
	AuthorName   string `mapstructure:"authorName"`
	AuthorEmail  string `mapstructure:"authorEmail"`
	FetchFirst   bool   `mapstructure:"fetchFirst"`
	PushRemote   string `mapstructure:"pushRemote"`
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds callback authentication configuration.
type AuthConfig struct {
	// RunnerToken is the shared secret expected in the callback token header.
	RunnerToken string `mapstructure:"runnerToken"`
}

// Load reads configuration from defaults, an optional config file, and
// HYPERAGENT_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hyperagent")

	v.SetEnvPrefix("HYPERAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8811)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./hyperagent.db")

	v.SetDefault("worker.pollInterval", time.Second)
	v.SetDefault("worker.limit", 10)
	v.SetDefault("worker.maxAttempts", 5)
	v.SetDefault("worker.workflowUserId", "workflow-bot")
	v.SetDefault("worker.stuckThreshold", 15*time.Minute)
	v.SetDefault("worker.leaseWaitWindow", 2*time.Second)

	v.SetDefault("runner.mode", "docker")
	v.SetDefault("runner.image", "hyperagent/workflow-runner:latest")
	v.SetDefault("runner.enqueueTimeout", 900*time.Second)
	v.SetDefault("runner.agentMaxRounds", 20)

	v.SetDefault("session.authorName", "hyperagent")
	v.SetDefault("session.authorEmail", "agent@hyperagent.local")
	v.SetDefault("session.branchPrefix", "wf-")

	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}
