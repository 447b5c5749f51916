package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/taskwire/pkg/taskwire/database"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func clearDeploymentEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RAILWAY_ENVIRONMENT", "NODE_ENV", "RAILWAY_PROJECT_ID",
		EnvDisableWhatsApp, EnvEnableWhatsAppProduction, EnvBrowserPath, EnvDatabaseURL, EnvAuthToken,
	} {
		t.Setenv(k, "")
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("partial document keeps defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
name: madrasa
whatsapp:
  driver: browser
  max_attempts: 5
  retry_delay: 30s
workflow:
  keywords: [done, "ho gaya"]
`))
		if err != nil {
			t.Fatalf("ParseConfig: %v", err)
		}
		if cfg.Name != "madrasa" {
			t.Errorf("name = %q", cfg.Name)
		}
		if cfg.WhatsApp.Driver != "browser" || cfg.WhatsApp.MaxAttempts != 5 {
			t.Errorf("whatsapp overlay not applied: %+v", cfg.WhatsApp)
		}
		if cfg.WhatsApp.RetryDelay != 30*time.Second {
			t.Errorf("retry_delay = %v", cfg.WhatsApp.RetryDelay)
		}
		if cfg.WhatsApp.ReconnectDelay != 5*time.Second {
			t.Errorf("reconnect_delay should keep its default, got %v", cfg.WhatsApp.ReconnectDelay)
		}
		if !cfg.WhatsApp.ClearSessionOnInit {
			t.Error("clear_session_on_init should keep its default")
		}
		if len(cfg.Workflow.Keywords) != 2 || cfg.Workflow.Keywords[1] != "ho gaya" {
			t.Errorf("keywords = %v", cfg.Workflow.Keywords)
		}
		if cfg.Workflow.Brand.Header == "" {
			t.Error("brand should keep its default")
		}
		if cfg.Database.Backend != database.BackendSQLite {
			t.Errorf("backend = %q", cfg.Database.Backend)
		}
	})

	invalid := []struct {
		name string
		doc  string
	}{
		{"backend", "database:\n  backend: oracle\n"},
		{"driver", "whatsapp:\n  driver: telegram\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"attempts", "whatsapp:\n  max_attempts: -1\n"},
		{"yaml", "whatsapp: [\n"},
	}
	for _, tc := range invalid {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tc.doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TW_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"a: ${TW_SET}", "a: value"},
		{"a: ${TW_UNSET_VAR}", "a: ${TW_UNSET_VAR}"},
		{"a: ${TW_UNSET_VAR:-fallback}", "a: fallback"},
		{"a: ${TW_SET:-fallback}", "a: value"},
		{"a: ${TW_SET:?needed}", "a: value"},
		{"a: $TW_SET", "a: $TW_SET"},
	}
	for _, tc := range tests {
		got, err := expandEnvVars(tc.in)
		if err != nil {
			t.Errorf("expandEnvVars(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	_, err := expandEnvVars("a: ${TW_UNSET_A:?set the token}\nb: ${TW_UNSET_B:?}")
	if err == nil {
		t.Fatal("expected an error for required variables")
	}
	for _, want := range []string{"TW_UNSET_A: set the token", "TW_UNSET_B: required environment variable not set"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestApplyEnvironment(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		wantDisabled bool
		wantPrintQR  bool
	}{
		{"local", map[string]string{}, false, true},
		{"explicit disable", map[string]string{EnvDisableWhatsApp: "true"}, true, true},
		{"disable needs exact true", map[string]string{EnvDisableWhatsApp: "yes"}, false, true},
		{"railway production", map[string]string{"RAILWAY_ENVIRONMENT": "production"}, true, false},
		{"node production", map[string]string{"NODE_ENV": "production"}, true, false},
		{"railway project", map[string]string{"RAILWAY_PROJECT_ID": "abc"}, true, false},
		{"railway staging", map[string]string{"RAILWAY_ENVIRONMENT": "staging"}, false, true},
		{"production opt-in", map[string]string{"NODE_ENV": "production", EnvEnableWhatsAppProduction: "true"}, false, false},
		{"disable beats opt-in", map[string]string{
			"NODE_ENV": "production", EnvEnableWhatsAppProduction: "true", EnvDisableWhatsApp: "true",
		}, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			applyEnvironment(cfg, envMap(tc.env))
			if cfg.WhatsApp.Disabled != tc.wantDisabled {
				t.Errorf("Disabled = %v, want %v", cfg.WhatsApp.Disabled, tc.wantDisabled)
			}
			if tc.wantDisabled && cfg.WhatsApp.DisabledReason == "" {
				t.Error("a disabled channel needs a reason")
			}
			if cfg.WhatsApp.PrintQR != tc.wantPrintQR {
				t.Errorf("PrintQR = %v, want %v", cfg.WhatsApp.PrintQR, tc.wantPrintQR)
			}
		})
	}

	t.Run("browser path and database url", func(t *testing.T) {
		cfg := DefaultConfig()
		applyEnvironment(cfg, envMap(map[string]string{
			EnvBrowserPath: "/opt/chrome",
			EnvDatabaseURL: "postgres://db/tasks",
		}))
		if cfg.WhatsApp.Browser.ExecutablePath != "/opt/chrome" {
			t.Errorf("executable path = %q", cfg.WhatsApp.Browser.ExecutablePath)
		}
		if cfg.Database.PostgreSQL.URL != "postgres://db/tasks" {
			t.Errorf("url = %q", cfg.Database.PostgreSQL.URL)
		}

		cfg = DefaultConfig()
		cfg.WhatsApp.Browser.ExecutablePath = "/usr/bin/chromium"
		applyEnvironment(cfg, envMap(map[string]string{EnvBrowserPath: "/opt/chrome"}))
		if cfg.WhatsApp.Browser.ExecutablePath != "/usr/bin/chromium" {
			t.Error("the file should win over the environment")
		}
	})
}

func TestLoad(t *testing.T) {
	clearDeploymentEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "taskwire.yaml")
	t.Setenv("TW_TEST_DB", "tasks.db")
	doc := `
whatsapp:
  auth_dir: state/auth
  cache_dir: /var/cache/taskwire
database:
  sqlite:
    path: ${TW_TEST_DB}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(dir, "state/auth"); cfg.WhatsApp.AuthDir != want {
		t.Errorf("auth dir = %q, want %q", cfg.WhatsApp.AuthDir, want)
	}
	if cfg.WhatsApp.CacheDir != "/var/cache/taskwire" {
		t.Errorf("absolute paths stay as they are, got %q", cfg.WhatsApp.CacheDir)
	}
	if want := filepath.Join(dir, "tasks.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Database.SQLite.Path, want)
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("no file means defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Server.Address != DefaultConfig().Server.Address {
			t.Errorf("address = %q", cfg.Server.Address)
		}
	})
}

func TestResolvePathFromConfig(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct{ in, want string }{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"rel/path", "/etc/taskwire/rel/path"},
		{"~/auth", filepath.Join(home, "auth")},
	}
	for _, tc := range tests {
		if got := resolvePathFromConfig(tc.in, "/etc/taskwire"); got != tc.want {
			t.Errorf("resolvePathFromConfig(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveAuthToken(t *testing.T) {
	keyring.MockInit()
	clearDeploymentEnv(t)

	t.Run("config wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.AuthToken = "from-file"
		t.Setenv(EnvAuthToken, "from-env")
		ResolveAuthToken(cfg, nil)
		if cfg.Server.AuthToken != "from-file" {
			t.Errorf("token = %q", cfg.Server.AuthToken)
		}
	})

	t.Run("environment when keyring is empty", func(t *testing.T) {
		cfg := DefaultConfig()
		t.Setenv(EnvAuthToken, "from-env")
		ResolveAuthToken(cfg, nil)
		if cfg.Server.AuthToken != "from-env" {
			t.Errorf("token = %q", cfg.Server.AuthToken)
		}
	})

	t.Run("keyring before environment", func(t *testing.T) {
		if err := StoreKeyring(KeyringAuthToken, "from-keyring"); err != nil {
			t.Fatalf("StoreKeyring: %v", err)
		}
		defer DeleteKeyring(KeyringAuthToken)

		cfg := DefaultConfig()
		t.Setenv(EnvAuthToken, "from-env")
		ResolveAuthToken(cfg, nil)
		if cfg.Server.AuthToken != "from-keyring" {
			t.Errorf("token = %q", cfg.Server.AuthToken)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		if err := DeleteKeyring(KeyringAuthToken); err != nil {
			t.Errorf("DeleteKeyring: %v", err)
		}
		if GetKeyring(KeyringAuthToken) != "" {
			t.Error("entry should be gone")
		}
	})
}
