// Package dataset loads detection datasets: a YAML config naming image and
// label directories, images resized to a square tensor, and per-image label
// files with one normalized box per line.
package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes a detection dataset on disk.
type Config struct {
	TrainImages string   `yaml:"train_images"`
	TrainLabels string   `yaml:"train_labels"`
	ValImages   string   `yaml:"val_images"`
	ValLabels   string   `yaml:"val_labels"`
	NumClasses  int      `yaml:"nc"`
	Names       []string `yaml:"names"`
}

// ConfigError reports an invalid or incomplete dataset config.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid dataset config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid dataset config: %s: %s", e.Key, e.Reason)
}

// LoadConfig reads and validates a dataset YAML file. Validation paths
// default to the training paths when omitted.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot parse %s: %v", path, err)}
	}

	if cfg.TrainImages == "" {
		return nil, &ConfigError{Key: "train_images", Reason: "required"}
	}
	if cfg.TrainLabels == "" {
		return nil, &ConfigError{Key: "train_labels", Reason: "required"}
	}
	if cfg.NumClasses <= 0 {
		return nil, &ConfigError{Key: "nc", Reason: "must be positive"}
	}
	if len(cfg.Names) == 0 {
		return nil, &ConfigError{Key: "names", Reason: "required"}
	}
	if len(cfg.Names) != cfg.NumClasses {
		return nil, &ConfigError{Key: "names", Reason: fmt.Sprintf("has %d entries but nc is %d", len(cfg.Names), cfg.NumClasses)}
	}

	if cfg.ValImages == "" {
		cfg.ValImages = cfg.TrainImages
	}
	if cfg.ValLabels == "" {
		cfg.ValLabels = cfg.TrainLabels
	}

	return &cfg, nil
}
