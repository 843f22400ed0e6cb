package contentgate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Server.DialTimeout != 30*time.Second {
		t.Errorf("expected dial_timeout 30s, got %v", cfg.Server.DialTimeout)
	}

	// Settings defaults
	if cfg.Settings.BaseURL != "" {
		t.Errorf("expected empty base_url, got %s", cfg.Settings.BaseURL)
	}
	if cfg.Settings.Timeout != 5*time.Second || cfg.Settings.Retries != 1 {
		t.Errorf("expected timeout 5s and 1 retry, got %v and %d", cfg.Settings.Timeout, cfg.Settings.Retries)
	}

	// Policy defaults
	if cfg.Policy.CacheFile != "settings.json" {
		t.Errorf("expected cache_file settings.json, got %s", cfg.Policy.CacheFile)
	}
	if !cfg.Policy.WriteThrough {
		t.Error("expected write_through true")
	}
	if cfg.Policy.ReloadInterval != 5*time.Second {
		t.Errorf("expected reload_interval 5s, got %v", cfg.Policy.ReloadInterval)
	}
	if cfg.Policy.MaxScanSize != 10<<20 {
		t.Errorf("expected max_scan_size 10MiB, got %d", cfg.Policy.MaxScanSize)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging.level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected logging.format text, got %s", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("expected logging.output stderr, got %s", cfg.Logging.Output)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := `
server:
  addr: "127.0.0.1:3128"
  dial_timeout: 10s
settings:
  base_url: "http://10.0.0.5:8000"
  user_id: "bob"
  timeout: 2s
  retries: 0
policy:
  cache_file: "/var/lib/contentgate/settings.json"
  write_through: false
  reload_interval: 30s
  background_reload: true
  max_scan_size: 1048576
admin:
  enabled: true
  path_prefix: "/admin"
metrics:
  enabled: true
logging:
  level: debug
  format: json
  access_log: true
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:3128" || cfg.Server.DialTimeout != 10*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Settings.BaseURL != "http://10.0.0.5:8000" || cfg.Settings.UserID != "bob" {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if cfg.Settings.Timeout != 2*time.Second || cfg.Settings.Retries != 0 {
		t.Errorf("settings timeout/retries = %v/%d", cfg.Settings.Timeout, cfg.Settings.Retries)
	}
	if cfg.Policy.WriteThrough || !cfg.Policy.BackgroundReload || cfg.Policy.ReloadInterval != 30*time.Second {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Policy.MaxScanSize != 1<<20 {
		t.Errorf("max_scan_size = %d", cfg.Policy.MaxScanSize)
	}
	if !cfg.Admin.Enabled || cfg.Admin.PathPrefix != "/admin" {
		t.Errorf("admin = %+v", cfg.Admin)
	}
	if !cfg.Metrics.Enabled || !cfg.Metrics.Health {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || !cfg.Logging.AccessLog {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadConfigFromReaderJSON(t *testing.T) {
	data := `{"server": {"addr": ":9000"}, "policy": {"host_cache_size": 0}}`
	cfg, err := LoadConfigFromReader("json", []byte(data))
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Policy.HostCacheSize != 0 {
		t.Errorf("host_cache_size = %d, want 0", cfg.Policy.HostCacheSize)
	}
	if cfg.Policy.CacheFile != "settings.json" {
		t.Errorf("defaults not applied: cache_file = %s", cfg.Policy.CacheFile)
	}
}

func TestLoadConfigFromReaderInvalid(t *testing.T) {
	if _, err := LoadConfigFromReader("yaml", []byte("server: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"retries above one", "settings:\n  retries: 3\n", "Retries"},
		{"timeout above 5s", "settings:\n  timeout: 10s\n", "Timeout"},
		{"bad base url", "settings:\n  base_url: \"not a url\"\n  user_id: u\n", "BaseURL"},
		{"base url without user", "settings:\n  base_url: \"http://x:8000\"\n", "UserID"},
		{"zero interval", "policy:\n  reload_interval: 0s\n", "ReloadInterval"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"bad format", "logging:\n  format: xml\n", "Format"},
		{"bad prefix", "admin:\n  path_prefix: api\n", "PathPrefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromReader("yaml", []byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "invalid config") || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s, want default", cfg.Server.Addr)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CONTENTGATE_SETTINGS_BASE_URL", "http://settings.internal:8000")
	t.Setenv("CONTENTGATE_SETTINGS_USER_ID", "carol")
	t.Setenv("CONTENTGATE_POLICY_RELOAD_INTERVAL", "1m")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Settings.BaseURL != "http://settings.internal:8000" || cfg.Settings.UserID != "carol" {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if cfg.Policy.ReloadInterval != time.Minute {
		t.Errorf("reload_interval = %v", cfg.Policy.ReloadInterval)
	}
}

func TestConfig_BuildLoader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Settings.BaseURL = "http://10.0.0.5:8000"
	cfg.Settings.UserID = "alice"
	cfg.Settings.Retries = 0
	cfg.Policy.CacheFile = filepath.Join(t.TempDir(), "settings.json")

	chain := cfg.BuildLoader(discardLogger())
	remote, ok := chain.Remote.(*RemoteSource)
	if !ok {
		t.Fatalf("Remote = %T", chain.Remote)
	}
	if remote.Endpoint() != "http://10.0.0.5:8000/api/user-settings/alice/" || remote.Retries != 0 {
		t.Errorf("remote = %+v", remote)
	}
	if chain.Local == nil || chain.Local.Path != cfg.Policy.CacheFile || !chain.WriteThrough {
		t.Errorf("local = %+v", chain.Local)
	}

	cfg.Settings.BaseURL = ""
	cfg.Policy.CacheFile = ""
	chain = cfg.BuildLoader(discardLogger())
	if chain.Remote != nil || chain.Local != nil {
		t.Error("unconfigured sources should be skipped")
	}
}

func TestConfig_BuildEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(settingsJSON))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Settings.BaseURL = srv.URL
	cfg.Settings.UserID = "alice"
	cfg.Policy.CacheFile = filepath.Join(t.TempDir(), "settings.json")
	cfg.Policy.ReloadInterval = time.Minute
	cfg.Policy.MaxScanSize = 1024
	cfg.BlockPage.TemplateInline = `<p>{{.Reason}}</p>`

	e, err := cfg.BuildEngine(discardLogger())
	if err != nil {
		t.Fatalf("BuildEngine: %v", err)
	}
	if e.Store.Interval != time.Minute || e.Responses.MaxScanSize != 1024 {
		t.Errorf("engine settings not applied")
	}
	if e.Requests.ServiceHost != "127.0.0.1" {
		t.Errorf("ServiceHost = %q", e.Requests.ServiceHost)
	}

	snap := e.Store.Reload(context.Background())
	if snap.Source != SourceRemote {
		t.Fatalf("source = %s", snap.Source)
	}
	resp := e.DenyResponse(ExchangeRequest{Host: "example.com"}, e.Requests.Evaluate("example.com"))
	if string(resp.Body) != "<p>domain blocked (example.com)</p>" {
		t.Errorf("inline template not used: %s", resp.Body)
	}
}

func TestConfig_BuildWarningPage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockPage.TemplateInline = `{{.Broken`
	if _, err := cfg.BuildWarningPage(); err == nil {
		t.Error("expected error for a bad inline template")
	}

	cfg.BlockPage.TemplateInline = ""
	cfg.BlockPage.TemplatePath = filepath.Join(t.TempDir(), "missing.html")
	if _, err := cfg.BuildWarningPage(); err == nil {
		t.Error("expected error for a missing template file")
	}

	cfg.BlockPage.TemplatePath = ""
	if wp, err := cfg.BuildWarningPage(); err != nil || wp == nil {
		t.Errorf("default page: %v", err)
	}
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Output = filepath.Join(t.TempDir(), "contentgate.log")

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.Logging.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %s", data)
	}

	cfg.Logging.Level = "verbose"
	if _, _, err := cfg.NewLogger(); err == nil {
		t.Error("expected error for an unknown level")
	}
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "contentgate.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFromReader("yaml", data)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Settings.UserID != "alice" || cfg.Policy.CacheFile != "settings.json" {
		t.Errorf("example config = %+v", cfg)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
