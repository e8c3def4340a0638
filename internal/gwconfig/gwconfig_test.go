package gwconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndOverridesFromYAML(t *testing.T) {
	path := writeTempYAML(t, `
server:
  session:
    listen: "0.0.0.0:15060"
    protocol: UDP
    realm: "3402000000"
  http:
    listen: ":9090"
  stream:
    nodes:
      node1:
        local_ip: "127.0.0.1"
        local_port: 9000
        pub_ip: "10.0.0.5"
        pub_port: 20000
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Session.Listen != "0.0.0.0:15060" {
		t.Fatalf("expected overridden listen, got %s", cfg.Server.Session.Listen)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected default log_format to survive, got %s", cfg.LogFormat)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected overridden log_level, got %s", cfg.LogLevel)
	}
	node, ok := cfg.Server.Stream.Nodes["node1"]
	if !ok || node.PubPort != 20000 {
		t.Fatalf("expected node1 parsed from yaml, got %+v ok=%v", node, ok)
	}
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	path := writeTempYAML(t, `
server:
  session:
    listen: ":5060"
    realm: "3402000000"
  http:
    listen: ":8080"
`)
	t.Setenv("GBS_LOG_LEVEL", "warn")
	t.Setenv("GBS_SESSION_LISTEN", ":15061")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env override for log level, got %s", cfg.LogLevel)
	}
	if cfg.Server.Session.Listen != ":15061" {
		t.Fatalf("expected env override for session listen, got %s", cfg.Server.Session.Listen)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"badLogFormat", func(c *Config) { c.LogFormat = "xx" }},
		{"badLogLevel", func(c *Config) { c.LogLevel = "nope" }},
		{"badProtocol", func(c *Config) { c.Server.Session.Protocol = "X" }},
		{"emptyListen", func(c *Config) { c.Server.Session.Listen = "" }},
		{"emptyRealm", func(c *Config) { c.Server.Session.Realm = "" }},
		{"emptyHTTPListen", func(c *Config) { c.Server.HTTP.Listen = "" }},
		{"nodeMissingPubIP", func(c *Config) {
			c.Server.Stream.Nodes = map[string]Node{"n1": {PubPort: 1000}}
		}},
		{"nodeBadPubPort", func(c *Config) {
			c.Server.Stream.Nodes = map[string]Node{"n1": {PubIP: "1.2.3.4", PubPort: 0}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Server.Session.Protocol = "ALL"
			tc.mod(&cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
