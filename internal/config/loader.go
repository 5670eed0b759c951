package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP       TOMLHTTPConfig       `toml:"http"`
	MongoDB    TOMLMongoDBConfig    `toml:"mongodb"`
	Queue      TOMLQueueConfig      `toml:"queue"`
	Auth       TOMLAuthConfig       `toml:"auth"`
	Leader     TOMLLeaderConfig     `toml:"leader"`
	Standby    TOMLStandbyConfig    `toml:"standby"`
	ConfigSync TOMLConfigSyncConfig `toml:"config_sync"`
	Secrets    TOMLSecretsConfig    `toml:"secrets"`
	DataDir    string               `toml:"data_dir"`
	DevMode    bool                 `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type   string           `toml:"type"`
	SQLite TOMLSQLiteConfig `toml:"sqlite"`
	NATS   TOMLNATSConfig   `toml:"nats"`
	SQS    TOMLSQSConfig    `toml:"sqs"`
}

// TOMLSQLiteConfig represents embedded SQLite broker configuration in TOML
type TOMLSQLiteConfig struct {
	DataDir string `toml:"data_dir"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLAuthConfig represents publish-endpoint bearer auth configuration in TOML
type TOMLAuthConfig struct {
	Enabled bool          `toml:"enabled"`
	JWT     TOMLJWTConfig `toml:"jwt"`
}

// TOMLJWTConfig represents JWT verification configuration in TOML
type TOMLJWTConfig struct {
	Issuer        string `toml:"issuer"`
	PublicKeyPath string `toml:"public_key_path"`
	HMACSecret    string `toml:"hmac_secret"`
}

// TOMLStandbyConfig represents standby/leader coordination configuration in TOML
type TOMLStandbyConfig struct {
	Enabled         bool   `toml:"enabled"`
	RedisURL        string `toml:"redis_url"`
	LockKey         string `toml:"lock_key"`
	LockTTL         string `toml:"lock_ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLConfigSyncConfig represents config-sync configuration in TOML
type TOMLConfigSyncConfig struct {
	URL             string `toml:"url"`
	RefreshInterval string `toml:"refresh_interval"`
	InitialRetries  int    `toml:"initial_retries"`
	RetryInterval   string `toml:"retry_interval"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			SQLite: SQLiteConfig{
				DataDir: tc.Queue.SQLite.DataDir,
			},
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Auth: AuthConfig{
			Enabled: tc.Auth.Enabled,
			JWT: JWTConfig{
				Issuer:        tc.Auth.JWT.Issuer,
				PublicKeyPath: tc.Auth.JWT.PublicKeyPath,
				HMACSecret:    tc.Auth.JWT.HMACSecret,
			},
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
		},
		Standby: StandbyConfig{
			Enabled:  tc.Standby.Enabled,
			RedisURL: tc.Standby.RedisURL,
			LockKey:  tc.Standby.LockKey,
		},
		ConfigSync: ConfigSyncConfig{
			URL:            tc.ConfigSync.URL,
			InitialRetries: tc.ConfigSync.InitialRetries,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}
	if tc.Standby.LockTTL != "" {
		if d, err := time.ParseDuration(tc.Standby.LockTTL); err == nil {
			cfg.Standby.LockTTL = d
		}
	}
	if tc.Standby.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Standby.RefreshInterval); err == nil {
			cfg.Standby.RefreshInterval = d
		}
	}
	if tc.ConfigSync.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.ConfigSync.RefreshInterval); err == nil {
			cfg.ConfigSync.RefreshInterval = d
		}
	}
	if tc.ConfigSync.RetryInterval != "" {
		if d, err := time.ParseDuration(tc.ConfigSync.RetryInterval); err == nil {
			cfg.ConfigSync.RetryInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "flowcatalyst" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "sqlite" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.SQLite.DataDir != "" {
		result.Queue.SQLite.DataDir = override.Queue.SQLite.DataDir
	}
	if override.Queue.NATS.URL != "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	// Auth
	if override.Auth.Enabled {
		result.Auth.Enabled = true
	}
	if override.Auth.JWT.Issuer != "" {
		result.Auth.JWT.Issuer = override.Auth.JWT.Issuer
	}

	// Standby
	if override.Standby.Enabled {
		result.Standby.Enabled = true
	}
	if override.Standby.RedisURL != "" {
		result.Standby.RedisURL = override.Standby.RedisURL
	}

	// ConfigSync
	if override.ConfigSync.URL != "" {
		result.ConfigSync.URL = override.ConfigSync.URL
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[queue]
type = "sqlite"  # sqlite, nats, or sqs

[queue.sqlite]
data_dir = "./data/sqlite"

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[auth]
enabled = false

[auth.jwt]
issuer = "flowcatalyst"
public_key_path = ""
hmac_secret = ""

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

[standby]
enabled = false
redis_url = "redis://localhost:6379"
lock_key = "flowcatalyst:router:leader"
lock_ttl = "30s"
refresh_interval = "10s"

[config_sync]
url = ""
refresh_interval = "60s"
initial_retries = 12
retry_interval = "5s"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "flowcatalyst-"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
