package totalhash

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultQueryURL = "https://api.totalhash.com/search"

// Config holds the TotalHash API credentials. User and APIKey come from a
// TotalHash account; without a key only AnalysisURL links can be produced.
type Config struct {
	User     string `yaml:"user"`
	APIKey   string `yaml:"api_key"`
	QueryURL string `yaml:"query_url"`
}

// LoadConfig reads a YAML config file:
//
//	user: someone
//	api_key: hexkey
//	query_url: https://api.totalhash.com/search
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.QueryURL == "" {
		cfg.QueryURL = defaultQueryURL
	}
	return cfg, nil
}
