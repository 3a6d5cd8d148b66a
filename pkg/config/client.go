package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/impactsim/pkg/execution"
	"github.com/openfroyo/impactsim/pkg/telemetry"
	"github.com/openfroyo/impactsim/pkg/transports/impact"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMPACT_"

// ClientConfig is the configuration of one client process.
type ClientConfig struct {
	Server    ServerConfig      `yaml:"server"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	Execution ExecutionConfig   `yaml:"execution"`
	Journal   JournalConfig     `yaml:"journal"`
	Policy    PolicyConfig      `yaml:"policy"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// ServerConfig locates and authenticates against the service.
type ServerConfig struct {
	// Address is the hub base URL.
	Address string `yaml:"address" validate:"required,url"`

	// UserPath is the JupyterHub user server path. Looked up when empty.
	UserPath string `yaml:"user_path,omitempty"`

	// APIKey supports ${VAR} syntax.
	APIKey string `yaml:"api_key,omitempty" validate:"required_without=Token"`

	// Token is a ready access token and supports ${VAR} syntax.
	Token string `yaml:"token,omitempty"`

	// JupyterHubToken falls back to JUPYTERHUB_API_TOKEN.
	JupyterHubToken string `yaml:"jupyterhub_token,omitempty" validate:"required"`

	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// WorkspaceConfig selects the workspace.
type WorkspaceConfig struct {
	ID string `yaml:"id" validate:"required"`
}

// ExecutionConfig controls polling.
type ExecutionConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	WaitTimeout       time.Duration `yaml:"wait_timeout" validate:"gte=0"`
	CancellationPolls int           `yaml:"cancellation_polls" validate:"gt=0"`
}

// JournalConfig configures the local execution journal.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path,omitempty"`
}

// PolicyConfig configures the submission gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists rego files or directories loaded next to the built-in policies.
	Paths []string `yaml:"paths,omitempty"`

	// Watch reloads the policies when a file under Paths changes.
	Watch bool `yaml:"watch"`

	// MaxCases is the case-limit policy bound. Zero keeps the built-in limit.
	MaxCases int `yaml:"max_cases,omitempty" validate:"gte=0"`
}

// String redacts credentials.
func (s ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{Address:%s, UserPath:%s, APIKey:%s, Token:%s, JupyterHubToken:%s}",
		s.Address, s.UserPath, redact(s.APIKey), redact(s.Token), redact(s.JupyterHubToken))
}

func redact(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) < 12:
		return "(set)"
	default:
		return secret[:4] + "..." + secret[len(secret)-4:]
	}
}

// Default returns a configuration with every optional field set.
func Default() *ClientConfig {
	exec := execution.DefaultConfig()
	return &ClientConfig{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Execution: ExecutionConfig{
			PollInterval:      exec.PollInterval,
			WaitTimeout:       exec.WaitTimeout,
			CancellationPolls: exec.CancellationPolls,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML configuration, then applies environment
// overrides and fallbacks. The result is not validated.
func LoadFromFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration over the defaults, then applies
// environment overrides and fallbacks. Malformed overrides are errors; the
// result is not validated otherwise.
func Parse(data []byte) (*ClientConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}

	cfg.Server.APIKey = expandEnvVars(cfg.Server.APIKey)
	cfg.Server.Token = expandEnvVars(cfg.Server.Token)
	cfg.Server.JupyterHubToken = expandEnvVars(cfg.Server.JupyterHubToken)
	cfg.Journal.Path = expandEnvVars(cfg.Journal.Path)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from the defaults and the environment only.
func FromEnv() (*ClientConfig, error) {
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = validator.New()

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TransportConfig returns the HTTP transport settings.
func (c *ClientConfig) TransportConfig() impact.Config {
	return impact.Config{
		ServerAddress:   c.Server.Address,
		UserPath:        c.Server.UserPath,
		APIKey:          c.Server.APIKey,
		Token:           c.Server.Token,
		JupyterHubToken: c.Server.JupyterHubToken,
		Timeout:         c.Server.Timeout,
	}
}

// ExecutionConfig returns the polling settings.
func (c *ClientConfig) ExecutionConfig() execution.Config {
	return execution.Config{
		PollInterval:      c.Execution.PollInterval,
		WaitTimeout:       c.Execution.WaitTimeout,
		CancellationPolls: c.Execution.CancellationPolls,
	}
}

// applyEnvOverrides applies every IMPACT_* variable that is set. Values that
// do not parse are reported together; the others still apply.
func applyEnvOverrides(cfg *ClientConfig) error {
	var errs []error
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err))
				return
			}
			*dst = d
		}
	}
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	str("SERVER_ADDRESS", &cfg.Server.Address)
	str("USER_PATH", &cfg.Server.UserPath)
	str("API_KEY", &cfg.Server.APIKey)
	str("TOKEN", &cfg.Server.Token)
	duration("TIMEOUT", &cfg.Server.Timeout)
	str("WORKSPACE", &cfg.Workspace.ID)
	duration("POLL_INTERVAL", &cfg.Execution.PollInterval)
	duration("WAIT_TIMEOUT", &cfg.Execution.WaitTimeout)
	if v := os.Getenv(EnvPrefix + "CANCELLATION_POLLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sCANCELLATION_POLLS %q: %w", EnvPrefix, v, err))
		} else {
			cfg.Execution.CancellationPolls = n
		}
	}
	str("JOURNAL_PATH", &cfg.Journal.Path)
	if cfg.Telemetry != nil {
		str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	}

	if cfg.Server.JupyterHubToken == "" {
		cfg.Server.JupyterHubToken = os.Getenv(impact.JupyterHubTokenEnv)
	}
	return errors.Join(errs...)
}

// expandEnvVars expands ${VAR} patterns with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
