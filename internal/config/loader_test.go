package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const yamlConfig = `addr: :9999
log_level: debug
log_format: json
cors:
  enabled: true
  origins: ["http://dash.local"]
driver:
  platforms:
    - name: cpu
      devices: 2
      compute_units: 4
configs:
  - concurrency: 4096
    max_nonces: 16
  - concurrency: 65536
    min_compute_units: 8
work:
  bits: 0x1d00ffff
  difficulty: 0.5
error_budget:
  1m: 3
  1h: 10
work_refresh: 10s
`

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", yamlConfig)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.LogLevel != "debug" || cfg.LogFormat != "json" || !cfg.CORS.Enabled {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Driver.Platforms) != 1 || cfg.Driver.Platforms[0].Devices != 2 || cfg.Driver.Platforms[0].ComputeUnits != 4 {
		t.Fatalf("driver = %+v", cfg.Driver)
	}
	if len(cfg.Configs) != 2 || cfg.Configs[1]["min_compute_units"] != 8 {
		t.Fatalf("configs = %+v", cfg.Configs)
	}
	if cfg.Work.Bits != 0x1d00ffff || cfg.Work.Difficulty != 0.5 {
		t.Fatalf("work = %+v", cfg.Work)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	b, err := cfg.Budget()
	if err != nil {
		t.Fatal(err)
	}
	if b[time.Minute] != 3 || b[time.Hour] != 10 {
		t.Fatalf("budget = %v", b)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","configs":[{"concurrency":1024}],"skip_nonce_check":true,"drain_timeout":"2s"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || !cfg.SkipNonceCheck || len(cfg.Configs) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// json numbers decode as float64; the algorithm accepts either
	if cfg.Configs[0]["concurrency"] != float64(1024) {
		t.Fatalf("configs = %+v", cfg.Configs)
	}
	_, drain, err := cfg.Durations()
	if err != nil || drain != 2*time.Second {
		t.Fatalf("drain = %v, %v", drain, err)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `addr = ":8081"
algorithm = "sha256d"

[[configs]]
concurrency = 2048

[error_budget]
"1m" = 2

[work]
prev_block = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.Algorithm != "sha256d" || cfg.ErrorBudget["1m"] != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Configs) != 1 || !strings.HasPrefix(cfg.Work.PrevBlock, "000000000019d6") {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	bad := map[string]string{
		"cfg.txt":  "not supported",
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "configs": }`,
		"bad.toml": "addr=:8080\nconfigs\n",
	}
	for name, content := range bad {
		if _, err := Load(writeTempFile(t, d, name, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaultsAndValidate(t *testing.T) {
	c := Default()
	if c.Addr != DefaultAddr || c.Algorithm != DefaultAlgorithm || len(c.Configs) != 1 {
		t.Fatalf("defaults = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	refresh, drain, err := c.Durations()
	if err != nil || refresh != 30*time.Second || drain != 5*time.Second {
		t.Fatalf("durations = %v %v %v", refresh, drain, err)
	}

	cases := []func(*Config){
		func(c *Config) { c.LogFormat = "xml" },
		func(c *Config) { c.LogLevel = "loud" },
		func(c *Config) { c.Algorithm = "scrypt" },
		func(c *Config) { c.ErrorBudget = map[string]int{"soon": 1} },
		func(c *Config) { c.ErrorBudget = map[string]int{"1m": 0} },
		func(c *Config) { c.WorkRefresh = "-1s" },
		func(c *Config) { c.Work.PrevBlock = "zz" },
	}
	for i, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	c := Config{LogLevel: "warn", LogFormat: "json"}
	log, err := c.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("json log = %q", out)
	}
}

func TestExpandHomeAndFind(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	got, err := ExpandHome("~/cfg/minerd.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "cfg", "minerd.yaml") {
		t.Fatalf("expand = %s", got)
	}
	if p, _ := ExpandHome("/abs/path"); p != "/abs/path" {
		t.Fatalf("absolute path changed: %s", p)
	}

	orig := SearchPaths
	defer func() { SearchPaths = orig }()
	want := writeTempFile(t, home, "second.yaml", "addr: :1\n")
	SearchPaths = []string{"~/missing.yaml", "~/second.yaml"}
	if p := Find(); p != want {
		t.Fatalf("Find = %q, want %q", p, want)
	}
	cfg, err := Load("~/second.yaml")
	if err != nil || cfg.Addr != ":1" {
		t.Fatalf("load via ~: %+v %v", cfg, err)
	}
}
