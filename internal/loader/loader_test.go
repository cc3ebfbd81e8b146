package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

func TestParseNodeSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NodeConfig
		wantErr bool
	}{
		{
			name:  "file",
			input: "alpha=/var/log/storagenode.log",
			want:  NodeConfig{Name: "alpha", LogPath: "/var/log/storagenode.log"},
		},
		{
			name:  "relative file",
			input: "alpha=logs/node.log",
			want:  NodeConfig{Name: "alpha", LogPath: "logs/node.log"},
		},
		{
			name:  "forwarder",
			input: "beta=10.0.0.5:9000",
			want:  NodeConfig{Name: "beta", Forwarder: "10.0.0.5:9000"},
		},
		{
			name:  "file with api",
			input: "alpha=/var/log/node.log,api=http://127.0.0.1:14002",
			want:  NodeConfig{Name: "alpha", LogPath: "/var/log/node.log", API: "http://127.0.0.1:14002"},
		},
		{
			name:  "forwarder with api",
			input: "beta=node-b:9000,api=http://node-b:14002",
			want:  NodeConfig{Name: "beta", Forwarder: "node-b:9000", API: "http://node-b:14002"},
		},
		{name: "missing source", input: "alpha=", wantErr: true},
		{name: "missing name", input: "=/var/log/x", wantErr: true},
		{name: "no equals", input: "alpha", wantErr: true},
		{name: "unknown option", input: "alpha=/x,foo=bar", wantErr: true},
		{name: "empty option", input: "alpha=/x,api=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodeSpec(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseNodeSpec(%q) expected error", tt.input)
				}
				if !errors.Is(err, errors.ErrInvalidNodeSpec) {
					t.Errorf("expected ErrInvalidNodeSpec, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNodeSpec(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseNodeSpec(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}

func TestApplyNodeSpecsReplacesByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{{Name: "alpha", LogPath: "/old.log"}, {Name: "beta", Forwarder: "b:9000"}}

	err := ApplyNodeSpecs(cfg, []string{"alpha=/new.log", "gamma=/g.log"})
	if err != nil {
		t.Fatalf("ApplyNodeSpecs error = %v", err)
	}

	if got := strings.Join(cfg.NodeNames(), ","); got != "alpha,beta,gamma" {
		t.Errorf("nodes = %s, want alpha,beta,gamma", got)
	}
	if cfg.Nodes[0].LogPath != "/new.log" {
		t.Errorf("alpha not replaced: %+v", cfg.Nodes[0])
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NODESCOPE_TEST_HOOK", "https://hooks.example.com/abc")

	main := `
nodes:
  - name: alpha
    log_path: /var/log/alpha.log
    api: http://127.0.0.1:14002
store:
  path: ""
  archive_after: 7d
ingest:
  batch_size: 100
  flush_interval: 500ms
  max_line_bytes: 1MB
poller:
  interval: 120
alerts:
  cooldown: 30m
  thresholds:
    audit_critical: 90
notifications:
  webhooks:
    - name: ops
      url: ${NODESCOPE_TEST_HOOK}
      min_severity: critical
include:
  - "nodes.d/*.yaml"
`
	extra := `
nodes:
  - name: beta
    forwarder: 10.0.0.2:9000
`
	if err := os.WriteFile(filepath.Join(dir, "nodescope.yaml"), []byte(main), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nodes.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nodes.d", "beta.yaml"), []byte(extra), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "nodescope.yaml"))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error = %v", err)
	}

	if got := strings.Join(cfg.NodeNames(), ","); got != "alpha,beta" {
		t.Errorf("nodes = %s, want alpha,beta", got)
	}
	if cfg.Store.Path != "" {
		t.Errorf("store.path = %q, want empty", cfg.Store.Path)
	}
	if got := cfg.Store.ArchiveAfter.Duration(); got != 7*24*time.Hour {
		t.Errorf("archive_after = %v, want 168h", got)
	}
	if cfg.Ingest.BatchSize != 100 {
		t.Errorf("batch_size = %d, want 100", cfg.Ingest.BatchSize)
	}
	if got := cfg.Ingest.FlushInterval.Duration(); got != 500*time.Millisecond {
		t.Errorf("flush_interval = %v, want 500ms", got)
	}
	if got := cfg.Ingest.MaxLineBytes.Bytes(); got != 1<<20 {
		t.Errorf("max_line_bytes = %d, want %d", got, 1<<20)
	}
	if got := cfg.Poller.Interval.Duration(); got != 2*time.Minute {
		t.Errorf("poller.interval = %v, want 2m", got)
	}
	if cfg.Alerts.Thresholds.AuditCritical != 90 {
		t.Errorf("audit_critical = %v, want 90", cfg.Alerts.Thresholds.AuditCritical)
	}
	if cfg.Alerts.Thresholds.AuditWarning != 98 {
		t.Errorf("audit_warning = %v, want default 98", cfg.Alerts.Thresholds.AuditWarning)
	}
	if cfg.Ingest.QueueCapacity != DefaultConfig().Ingest.QueueCapacity {
		t.Errorf("queue_capacity lost its default: %d", cfg.Ingest.QueueCapacity)
	}
	if len(cfg.Notifications.Webhooks) != 1 || cfg.Notifications.Webhooks[0].URL != "https://hooks.example.com/abc" {
		t.Errorf("webhook not expanded: %+v", cfg.Notifications.Webhooks)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("nodes: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Nodes = []NodeConfig{{Name: "alpha", LogPath: "/a.log"}}
		return cfg
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("default config with one node should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no nodes", func(c *Config) { c.Nodes = nil }, "nodes"},
		{"duplicate", func(c *Config) { c.Nodes = append(c.Nodes, c.Nodes[0]) }, "duplicate"},
		{"bad name", func(c *Config) { c.Nodes[0].Name = "a b" }, "nodes.a b.name"},
		{"no source", func(c *Config) { c.Nodes[0].LogPath = "" }, "needs log_path or forwarder"},
		{"two sources", func(c *Config) { c.Nodes[0].Forwarder = "h:1" }, "exclusive"},
		{"bad forwarder", func(c *Config) { c.Nodes[0] = NodeConfig{Name: "x", Forwarder: "nohost"} }, "forwarder"},
		{"bad api", func(c *Config) { c.Nodes[0].API = "ftp://x" }, "api"},
		{"high water", func(c *Config) { c.Ingest.HighWater = 1.5 }, "high_water"},
		{"jitter", func(c *Config) { c.Poller.Jitter = 1 }, "jitter"},
		{"z order", func(c *Config) { c.Anomaly.ZCritical = 1 }, "z_warning"},
		{"audit order", func(c *Config) { c.Alerts.Thresholds.AuditCritical = 99 }, "audit"},
		{"storage order", func(c *Config) { c.Alerts.Thresholds.StorageCriticalPct = 50 }, "storage"},
		{"webhook url", func(c *Config) { c.Notifications.Webhooks = []WebhookConfig{{Name: "x"}} }, "url"},
		{"severity", func(c *Config) { c.Notifications.Log.MinSeverity = "loud" }, "min_severity"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"metrics listen", func(c *Config) { c.Metrics.Listen = "9090" }, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.IsValidation(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.BatchSize = 0
	cfg.Poller.Interval = 0

	err := Validate(cfg)
	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *ValidationErrors, got %T", err)
	}
	if len(verrs.Errors) != 3 {
		t.Errorf("expected 3 errors (nodes, batch_size, interval), got %d: %v", len(verrs.Errors), err)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want types.Severity
		ok   bool
	}{
		{"", types.SeverityInfo, true},
		{"Warning", types.SeverityWarning, true},
		{" critical ", types.SeverityCritical, true},
		{"fatal", "", false},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q, ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}
