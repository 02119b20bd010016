package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type Config struct {
	Store struct {
		Path string `yaml:"path" validate:"required"`
	} `yaml:"store"`
	Codegen struct {
		Indentation   int    `yaml:"indentation" validate:"min=1,max=16"`
		KeepSaveCalls bool   `yaml:"keep_save_calls"`
		PipelineName  string `yaml:"pipeline_name" validate:"required,excludesall=/\\"`
		OutputDir     string `yaml:"output_dir" validate:"required"`
	} `yaml:"codegen"`
	Log struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Store.Path = "linea.db"
	cfg.Codegen.Indentation = 4
	cfg.Codegen.PipelineName = "pipeline"
	cfg.Codegen.OutputDir = "."
	cfg.Log.Level = "info"
	return &cfg
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	// 1. Load .env if exists
	_ = godotenv.Load()

	cfg := Default()

	// 2. Load YAML config
	file, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// 3. Override with Environment Variables if present
	if db := os.Getenv("LINEA_DB"); db != "" {
		cfg.Store.Path = db
	}
	if level := os.Getenv("LINEA_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if indent := os.Getenv("LINEA_INDENTATION"); indent != "" {
		n, err := strconv.Atoi(indent)
		if err != nil {
			return nil, fmt.Errorf("LINEA_INDENTATION: %w", err)
		}
		cfg.Codegen.Indentation = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the log level and checks every field.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LogLevel maps log.level onto slog.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
