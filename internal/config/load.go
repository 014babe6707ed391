package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"streamkit/internal/domain"
)

// File is the optional YAML configuration consumed by the CLI.
type File struct {
	Gateway struct {
		BaseURL    string             `yaml:"base_url"`
		Pipeline   string             `yaml:"pipeline"`
		ICEServers []domain.ICEServer `yaml:"ice_servers"`
	} `yaml:"gateway"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads CLI configuration from an optional YAML file, a .env file (if
// present) and environment variables. Environment variables take precedence
// over file values.
func Load(path string) (*File, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var f File
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("STREAMKIT_GATEWAY_URL"); v != "" {
		f.Gateway.BaseURL = v
	}
	if v := os.Getenv("STREAMKIT_PIPELINE"); v != "" {
		f.Gateway.Pipeline = v
	}
	if v := os.Getenv("STREAMKIT_LOG_LEVEL"); v != "" {
		f.Logging.Level = v
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that required values are present.
func (f *File) Validate() error {
	if f.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url (or STREAMKIT_GATEWAY_URL) is required")
	}
	return nil
}
