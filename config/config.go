package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port" validate:"required"`
	// DedupBy selects how two connections are recognised as the same client.
	DedupBy string `yaml:"dedup_by" validate:"oneof=ip client_id"`
	// PingInterval is the keepalive interval for build sockets.
	PingInterval time.Duration `yaml:"ping_interval" validate:"gt=0"`
	// MaxMessageSize caps a single websocket frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size" validate:"gt=0"`
}

type BuildConfig struct {
	// Template is the cargo project copied into every worker workspace.
	Template string `yaml:"template" validate:"required"`
	// WorkspaceRoot holds one workspace directory per worker.
	WorkspaceRoot string `yaml:"workspace_root" validate:"required"`
	// ArtifactRoot receives the bindgen output of every successful job.
	ArtifactRoot string `yaml:"artifact_root" validate:"required"`
	// SourceFile is the path inside the workspace the user source is written to.
	SourceFile      string        `yaml:"source_file" validate:"required"`
	Target          string        `yaml:"target"`
	Workers         int           `yaml:"workers" validate:"gte=1,lte=64"`
	MaxSourceBytes  int           `yaml:"max_source_bytes" validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	MinCargoVersion string        `yaml:"min_cargo_version"`
	CargoBinary     string        `yaml:"cargo_binary" validate:"required"`
	BindgenBinary   string        `yaml:"bindgen_binary" validate:"required"`
	// Env is appended to the environment of every toolchain invocation.
	Env []string `yaml:"env"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LoggerConfig struct {
	// File is rotated with lumberjack; empty disables file logging.
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" validate:"gte=0"`
	Debug     bool   `yaml:"debug"`
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Build  BuildConfig  `yaml:"build"`
	Cache  CacheConfig  `yaml:"cache"`
	Store  StoreConfig  `yaml:"store"`
	Logger LoggerConfig `yaml:"logger"`
}

// Default
//
//	Returns the configuration used for any field the config file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			DedupBy:        "ip",
			PingInterval:   5 * time.Second,
			MaxMessageSize: 10 * 1024 * 1024,
		},
		Build: BuildConfig{
			Template:        "/opt/playground/template",
			WorkspaceRoot:   filepath.Join(os.TempDir(), "playground", "workspaces"),
			ArtifactRoot:    filepath.Join(os.TempDir(), "playground", "artifacts"),
			SourceFile:      "src/main.rs",
			Target:          "wasm32-unknown-unknown",
			Workers:         2,
			MaxSourceBytes:  256 * 1024,
			Timeout:         3 * time.Minute,
			MinCargoVersion: "1.70.0",
			CargoBinary:     "cargo",
			BindgenBinary:   "wasm-bindgen",
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     filepath.Join(os.TempDir(), "playground", "cache"),
		},
		Store: StoreConfig{
			Path: filepath.Join(os.TempDir(), "playground", "jobs.db"),
		},
		Logger: LoggerConfig{
			MaxSizeMB: 5,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %v", err)
	}
	defer f.Close()

	return ReadConfig(f)
}

// ReadConfig
//
//	Decodes a yaml configuration on top of the defaults and validates it.
func ReadConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file contents: %v", err)
	}

	cfg := Default()
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %v", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate
//
//	Checks the configuration against its validation tags.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		message := ""
		for _, validationError := range validationErrors {
			if len(message) > 0 {
				message += ", "
			}
			message += fmt.Sprintf("%s failed validation %s", validationError.Namespace(), validationError.Tag())
		}
		return fmt.Errorf("invalid configuration: %s", message)
	}
	if err != nil {
		return fmt.Errorf("failed to validate configuration: %v", err)
	}

	return nil
}
