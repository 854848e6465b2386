package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional on-disk deployment config, loaded before
// environment variables are applied. Priority is defaults -> YAML file ->
// environment variables, matching the teacher's config.Loader.Load order.
type fileConfig struct {
	DataRoot          string `yaml:"data_root"`
	LibraryRoot       string `yaml:"library_root"`
	RegistrationToken string `yaml:"registration_token"`
	UserConfigPath    string `yaml:"user_config_path"`
	ListenAddr        string `yaml:"listen_addr"`

	HeartbeatTTLSec       int `yaml:"heartbeat_ttl_sec"`
	NodeTimeoutSec        int `yaml:"node_timeout_sec"`
	ModelTimeoutSec       int `yaml:"model_timeout_sec"`
	MaxAttempts           int `yaml:"max_attempts"`
	AsyncFallbackMinChars int `yaml:"async_fallback_min_chars"`
	AsyncStatusTTLSec     int `yaml:"async_status_ttl_sec"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	JWTSecret string `yaml:"jwt_secret"`
}

// loadFileConfig reads path if it exists, returning a zero-value fileConfig
// (no overrides) when the file is absent — a deployment with no file is as
// valid as one with it, configured purely through environment variables.
func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
