package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel int `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Stream   StreamConfig   `yaml:"stream"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type AuthConfig struct {
	// HMAC secret for verifying bearer tokens
	Secret string `yaml:"secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	// Type of storage: "local" or "gcs"
	Type string `yaml:"type"`

	// Local storage options
	Dir string `yaml:"dir"`

	// GCS storage options
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type StreamConfig struct {
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms"`
	PingIntervalMS      int `yaml:"ping_interval_ms"`
	RetentionS          int `yaml:"retention_s"`
}

type PipelineConfig struct {
	TranscribeCommand []string `yaml:"transcribe_command"`
	TimeoutMinutes    int      `yaml:"timeout_minutes"`
}

func (s StreamConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

func (s StreamConfig) KeepaliveInterval() time.Duration {
	return time.Duration(s.KeepaliveIntervalMS) * time.Millisecond
}

func (s StreamConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMS) * time.Millisecond
}

func (s StreamConfig) Retention() time.Duration {
	return time.Duration(s.RetentionS) * time.Second
}

func (p PipelineConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config *Config

	// Unmarshal the YAML data into the struct
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}

	applyDefaults(config)
	return config, nil
}

// Default returns a config with all defaults applied and no file loaded.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}

	if config.Database.Path == "" {
		config.Database.Path = "sessionnotes.db"
	}

	if config.Storage.Type == "" {
		config.Storage.Type = "local"
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = "recordings"
	}

	if config.Stream.PollIntervalMS == 0 {
		config.Stream.PollIntervalMS = 2000
	}

	if config.Stream.KeepaliveIntervalMS == 0 {
		config.Stream.KeepaliveIntervalMS = 15000
	}

	if config.Stream.PingIntervalMS == 0 {
		config.Stream.PingIntervalMS = 30000
	}

	if config.Stream.RetentionS == 0 {
		config.Stream.RetentionS = 300
	}

	if config.Pipeline.TimeoutMinutes == 0 {
		config.Pipeline.TimeoutMinutes = 30
	}
}
