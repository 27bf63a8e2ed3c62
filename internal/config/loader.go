package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"compass/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/compass"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns the per-user configuration directory.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig loads configuration from the specified directory. The directory
// should contain config.yaml; a missing file is not an error and yields the
// defaults. Environment variables override file values last.
func LoadConfig(configPath string) (Config, error) {
	cfg := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies COMPASS_* environment variables over the loaded
// configuration. Only operational endpoints and credentials are exposed via
// the environment; behavioral tunables stay in the file.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				logging.Warn("ConfigLoader", "Ignoring non-integer %s=%q", key, v)
			}
		}
	}

	setString("COMPASS_HOST", &cfg.Server.Host)
	setInt("COMPASS_PORT", &cfg.Server.Port)
	setString("COMPASS_DATABASE_DSN", &cfg.Database.DSN)
	setString("COMPASS_REDIS_ADDR", &cfg.Redis.Addr)
	setString("COMPASS_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("COMPASS_VECTOR_PERSIST_PATH", &cfg.Vector.PersistPath)
	setString("COMPASS_EMBEDDING_ENDPOINT", &cfg.Embedding.Endpoint)
	setString("COMPASS_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setString("COMPASS_CLASSIFIER_ENDPOINT", &cfg.Classifier.Endpoint)
	setString("COMPASS_CLASSIFIER_API_KEY", &cfg.Classifier.APIKey)
	setString("COMPASS_AUTH_ENDPOINT", &cfg.Auth.Endpoint)
	setInt("COMPASS_CACHE_VERSION", &cfg.Cache.Version)
	setString("COMPASS_LOG_LEVEL", &cfg.Logging.Level)
}
