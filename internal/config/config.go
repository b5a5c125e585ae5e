package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config models syncbridge.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Sync struct {
		RunLeaseSeconds int `yaml:"run_lease_seconds"`
	} `yaml:"sync"`
	Scheduler struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"scheduler"`
	Log struct {
		Verbosity int `yaml:"verbosity"`
	} `yaml:"log"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// Connector kinds.
const (
	KindMemory = "memory"
	KindREST   = "rest"
)

// DefaultConnectorTimeoutMs bounds a single connector call.
const DefaultConnectorTimeoutMs = 10000

type ConnectorConfig struct {
	ID        string         `yaml:"id"`
	Kind      string         `yaml:"kind"`
	Name      string         `yaml:"name"`
	BaseURL   string         `yaml:"base_url"`
	TimeoutMs int            `yaml:"timeout_ms"`
	Auth      AuthConfig     `yaml:"auth"`
	Entities  []EntityConfig `yaml:"entities"`
}

// AuthConfig selects how a rest connector authenticates.
// Type is one of api_key, bearer or oauth2.
type AuthConfig struct {
	Type         string   `yaml:"type"`
	Header       string   `yaml:"header"`
	APIKey       string   `yaml:"api_key"`
	Token        string   `yaml:"token"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	RefreshToken string   `yaml:"refresh_token"`
}

type EntityConfig struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	DisplayName string           `yaml:"display_name"`
	Path        string           `yaml:"path"`
	IDField     string           `yaml:"id_field"`
	RecordsKey  string           `yaml:"records_key"`
	Fields      []FieldConfig    `yaml:"fields"`
	Records     []map[string]any `yaml:"records"`
}

type FieldConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	DataType    string   `yaml:"data_type"`
	Required    bool     `yaml:"required"`
	ReadOnly    bool     `yaml:"read_only"`
	EnumValues  []string `yaml:"enum_values"`
}

// Timeout returns the per-call timeout in milliseconds.
func (c ConnectorConfig) Timeout() int {
	if c.TimeoutMs <= 0 {
		return DefaultConnectorTimeoutMs
	}
	return c.TimeoutMs
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs error
	if c.Sync.RunLeaseSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("config.sync.run_lease_seconds must not be negative"))
	}
	seen := map[string]bool{}
	for i, cc := range c.Connectors {
		if cc.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("connectors[%d].id is required", i))
			continue
		}
		if seen[cc.ID] {
			errs = multierr.Append(errs, fmt.Errorf("connector %s is defined twice", cc.ID))
		}
		seen[cc.ID] = true
		switch cc.Kind {
		case KindMemory:
		case KindREST:
			if cc.BaseURL == "" {
				errs = multierr.Append(errs, fmt.Errorf("connector %s: base_url is required", cc.ID))
			}
			switch cc.Auth.Type {
			case "", "api_key", "bearer":
			case "oauth2":
				if cc.Auth.TokenURL == "" {
					errs = multierr.Append(errs, fmt.Errorf("connector %s: auth.token_url is required for oauth2", cc.ID))
				}
			default:
				errs = multierr.Append(errs, fmt.Errorf("connector %s: unknown auth type %q", cc.ID, cc.Auth.Type))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("connector %s: kind must be memory or rest", cc.ID))
		}
		for j, e := range cc.Entities {
			if e.ID == "" {
				errs = multierr.Append(errs, fmt.Errorf("connector %s: entities[%d].id is required", cc.ID, j))
			}
			for k, f := range e.Fields {
				if f.ID == "" {
					errs = multierr.Append(errs, fmt.Errorf("connector %s: entity %s fields[%d].id is required", cc.ID, e.ID, k))
				}
			}
		}
	}
	return errs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "syncbridge.yml")
}

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

sync:
  run_lease_seconds: 0

scheduler:
  enabled: true

log:
  verbosity: 0
`
