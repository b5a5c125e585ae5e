package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/multierr"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatalf("scheduler should be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("Load must fail without a config file")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `
sync:
  run_lease_seconds: 30
connectors:
  - id: crm
    kind: rest
    base_url: https://crm.example.com/api
    timeout_ms: 2500
    auth:
      type: oauth2
      token_url: https://crm.example.com/oauth/token
      client_id: app
    entities:
      - id: contacts
        path: /contacts
        fields:
          - id: email
            required: true
`
	if err := os.WriteFile(filepath.Join(dir, "syncbridge.yml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Sync.RunLeaseSeconds != 30 {
		t.Fatalf("unexpected merge %+v", cfg)
	}
	cc := cfg.Connectors[0]
	if cc.Timeout() != 2500 || cc.Auth.Type != "oauth2" || !cc.Entities[0].Fields[0].Required {
		t.Fatalf("unexpected connector %+v", cc)
	}
	if (ConnectorConfig{}).Timeout() != DefaultConnectorTimeoutMs {
		t.Fatalf("expected default timeout")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := FromYAML([]byte(`
sync:
  run_lease_seconds: -1
connectors:
  - id: a
    kind: rest
    auth:
      type: oauth2
  - id: a
    kind: ftp
  - kind: memory
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	errs := multierr.Errors(err)
	if len(errs) != 6 {
		t.Fatalf("expected 6 problems, got %d: %v", len(errs), err)
	}
	for _, want := range []string{"run_lease_seconds", "base_url is required", "token_url is required", "defined twice", "kind must be memory or rest", "connectors[2].id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestFromYAMLRejectsBadYAML(t *testing.T) {
	if _, err := FromYAML([]byte("connectors: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}
