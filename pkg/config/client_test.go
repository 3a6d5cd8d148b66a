package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/impactsim/pkg/execution"
	"github.com/openfroyo/impactsim/pkg/transports/impact"
)

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SERVER_ADDRESS", "USER_PATH", "API_KEY", "TOKEN", "TIMEOUT", "WORKSPACE",
		"POLL_INTERVAL", "WAIT_TIMEOUT", "CANCELLATION_POLLS", "JOURNAL_PATH", "LOG_LEVEL",
	} {
		t.Setenv(EnvPrefix+name, "")
	}
	t.Setenv(impact.JupyterHubTokenEnv, "")
}

const sampleConfig = `
server:
  address: https://impact.example.com
  api_key: ${TEST_IMPACT_KEY}
  jupyterhub_token: hub-secret
  timeout: 10s
workspace:
  id: pid-tuning
execution:
  poll_interval: 250ms
  wait_timeout: 5m
  cancellation_polls: 4
journal:
  path: ${TEST_JOURNAL_DIR}/journal.db
policy:
  enabled: true
  paths: [./policies]
telemetry:
  service_name: impactsim-test
  logging:
    level: debug
    format: json
`

func TestParse(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_IMPACT_KEY", "key-123")
	t.Setenv("TEST_JOURNAL_DIR", "/var/lib/impactsim")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := ServerConfig{
		Address:         "https://impact.example.com",
		APIKey:          "key-123",
		JupyterHubToken: "hub-secret",
		Timeout:         10 * time.Second,
	}
	if diff := cmp.Diff(want, cfg.Server); diff != "" {
		t.Errorf("server mismatch (-want +got):\n%s", diff)
	}
	if cfg.Workspace.ID != "pid-tuning" {
		t.Errorf("expected workspace pid-tuning, got %q", cfg.Workspace.ID)
	}
	wantExec := execution.Config{PollInterval: 250 * time.Millisecond, WaitTimeout: 5 * time.Minute, CancellationPolls: 4}
	if diff := cmp.Diff(wantExec, cfg.ExecutionConfig()); diff != "" {
		t.Errorf("execution mismatch (-want +got):\n%s", diff)
	}
	if cfg.Journal.Path != "/var/lib/impactsim/journal.db" {
		t.Errorf("unexpected journal path %q", cfg.Journal.Path)
	}
	if !cfg.Policy.Enabled || len(cfg.Policy.Paths) != 1 {
		t.Errorf("unexpected policy config %+v", cfg.Policy)
	}
	if cfg.Telemetry.ServiceName != "impactsim-test" || cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("unexpected telemetry config %+v", cfg.Telemetry)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_KeepsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse([]byte("workspace:\n  id: ws\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def := Default()
	if diff := cmp.Diff(def.Execution, cfg.Execution); diff != "" {
		t.Errorf("execution defaults lost (-want +got):\n%s", diff)
	}
	if cfg.Server.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.Server.Timeout)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected default telemetry config")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	clearEnv(t)

	if _, err := Parse([]byte("server: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"SERVER_ADDRESS", "https://other.example.com")
	t.Setenv(EnvPrefix+"TOKEN", "access-token")
	t.Setenv(EnvPrefix+"WORKSPACE", "override")
	t.Setenv(EnvPrefix+"POLL_INTERVAL", "2s")
	t.Setenv(EnvPrefix+"CANCELLATION_POLLS", "7")
	t.Setenv(EnvPrefix+"TIMEOUT", "not-a-duration")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")
	t.Setenv(impact.JupyterHubTokenEnv, "hub-from-env")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Address != "https://other.example.com" {
		t.Errorf("address not overridden: %q", cfg.Server.Address)
	}
	if cfg.Server.Token != "access-token" {
		t.Errorf("token not overridden: %q", cfg.Server.Token)
	}
	if cfg.Server.JupyterHubToken != "hub-secret" {
		t.Errorf("configured hub token must win over the environment, got %q", cfg.Server.JupyterHubToken)
	}
	if cfg.Server.Timeout != 10*time.Second {
		t.Errorf("unparseable timeout must be ignored, got %v", cfg.Server.Timeout)
	}
	if cfg.Workspace.ID != "override" {
		t.Errorf("workspace not overridden: %q", cfg.Workspace.ID)
	}
	if cfg.Execution.PollInterval != 2*time.Second || cfg.Execution.CancellationPolls != 7 {
		t.Errorf("execution not overridden: %+v", cfg.Execution)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level not overridden: %q", cfg.Telemetry.Logging.Level)
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"SERVER_ADDRESS", "https://impact.example.com")
	t.Setenv(EnvPrefix+"API_KEY", "key")
	t.Setenv(EnvPrefix+"WORKSPACE", "ws")
	t.Setenv(impact.JupyterHubTokenEnv, "hub")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	want := impact.Config{
		ServerAddress:   "https://impact.example.com",
		APIKey:          "key",
		JupyterHubToken: "hub",
		Timeout:         30 * time.Second,
	}
	if diff := cmp.Diff(want, cfg.TransportConfig()); diff != "" {
		t.Errorf("transport config mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvOverrides_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		wants []string
	}{
		{
			name:  "timeout",
			env:   map[string]string{"TIMEOUT": "soon"},
			wants: []string{"IMPACT_TIMEOUT"},
		},
		{
			name:  "poll interval",
			env:   map[string]string{"POLL_INTERVAL": "10"},
			wants: []string{"IMPACT_POLL_INTERVAL"},
		},
		{
			name:  "several",
			env:   map[string]string{"CANCELLATION_POLLS": "many", "WAIT_TIMEOUT": "forever"},
			wants: []string{"IMPACT_CANCELLATION_POLLS", "IMPACT_WAIT_TIMEOUT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(EnvPrefix+k, v)
			}

			_, fromEnvErr := FromEnv()
			_, parseErr := Parse([]byte("workspace:\n  id: ws\n"))
			for _, err := range []error{fromEnvErr, parseErr} {
				if err == nil {
					t.Fatal("expected an error for a malformed override")
				}
				for _, want := range tt.wants {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("error %q does not name %s", err, want)
					}
				}
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "impactsim.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Workspace.ID != "pid-tuning" {
		t.Errorf("expected workspace pid-tuning, got %q", cfg.Workspace.ID)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *ClientConfig {
		cfg := Default()
		cfg.Server.Address = "https://impact.example.com"
		cfg.Server.APIKey = "key"
		cfg.Server.JupyterHubToken = "hub"
		cfg.Workspace.ID = "ws"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ClientConfig) {}},
		{name: "token instead of key", mutate: func(c *ClientConfig) { c.Server.APIKey = ""; c.Server.Token = "tok" }},
		{name: "missing address", mutate: func(c *ClientConfig) { c.Server.Address = "" }, wantErr: true},
		{name: "address not a url", mutate: func(c *ClientConfig) { c.Server.Address = "impact" }, wantErr: true},
		{name: "no credentials", mutate: func(c *ClientConfig) { c.Server.APIKey = "" }, wantErr: true},
		{name: "missing hub token", mutate: func(c *ClientConfig) { c.Server.JupyterHubToken = "" }, wantErr: true},
		{name: "missing workspace", mutate: func(c *ClientConfig) { c.Workspace.ID = "" }, wantErr: true},
		{name: "zero poll interval", mutate: func(c *ClientConfig) { c.Execution.PollInterval = 0 }, wantErr: true},
		{name: "zero cancellation polls", mutate: func(c *ClientConfig) { c.Execution.CancellationPolls = 0 }, wantErr: true},
		{name: "bad log level", mutate: func(c *ClientConfig) { c.Telemetry.Logging.Level = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigStringRedacts(t *testing.T) {
	s := ServerConfig{
		Address:         "https://impact.example.com",
		APIKey:          "abcd-very-secret-key-wxyz",
		JupyterHubToken: "short",
	}
	out := s.String()
	if strings.Contains(out, "very-secret") || strings.Contains(out, "short") {
		t.Errorf("secrets leaked: %s", out)
	}
	if !strings.Contains(out, "abcd...wxyz") || !strings.Contains(out, "(set)") {
		t.Errorf("unexpected redaction: %s", out)
	}
}
