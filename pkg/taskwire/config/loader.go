package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/taskwire/pkg/taskwire/database"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Capture groups:
//   - Group 1: variable name
//   - Group 2: modifier ("-" for default, "?" for required)
//   - Group 3: default value or error message
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Environment variables read on top of the file.
const (
	EnvDisableWhatsApp          = "DISABLE_WHATSAPP"
	EnvEnableWhatsAppProduction = "ENABLE_WHATSAPP_PRODUCTION"
	EnvAuthToken                = "TASKWIRE_AUTH_TOKEN"
	EnvBrowserPath              = "PUPPETEER_EXECUTABLE_PATH"
	EnvDatabaseURL              = "DATABASE_URL"
)

// Load reads the config at path, or returns the defaults (with environment
// overrides applied) when path is empty.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		cfg := DefaultConfig()
		applyEnvironment(cfg, os.LookupEnv)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	applyEnvironment(cfg, os.LookupEnv)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig overlays YAML bytes on DefaultConfig. Keys missing from the
// document keep their default.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case database.BackendSQLite, database.BackendPostgreSQL:
	default:
		return fmt.Errorf("config: unknown database backend %q", c.Database.Backend)
	}
	switch c.WhatsApp.Driver {
	case "whatsmeow", "browser":
	default:
		return fmt.Errorf("config: unknown whatsapp driver %q", c.WhatsApp.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	if c.WhatsApp.MaxAttempts < 0 {
		return fmt.Errorf("config: whatsapp.max_attempts must not be negative")
	}
	return nil
}

// FindConfigFile returns the first config file found in the usual places,
// or "" when there is none.
func FindConfigFile() string {
	candidates := []string{
		"taskwire.yaml",
		"taskwire.yml",
		"config.yaml",
		"config.yml",
		"configs/taskwire.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files. Existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} references with their values. Unset
// variables keep the placeholder, take the default after ":-", or fail
// the whole expansion after ":?".
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// applyEnvironment applies the deployment environment on top of the file.
// lookup is os.LookupEnv outside tests.
func applyEnvironment(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get(EnvBrowserPath); v != "" && cfg.WhatsApp.Browser.ExecutablePath == "" {
		cfg.WhatsApp.Browser.ExecutablePath = v
	}
	if v := get(EnvDatabaseURL); v != "" && cfg.Database.PostgreSQL.URL == "" {
		cfg.Database.PostgreSQL.URL = v
	}

	production := IsProduction(lookup)
	if production {
		cfg.WhatsApp.PrintQR = false
	}

	switch {
	case get(EnvDisableWhatsApp) == "true":
		cfg.WhatsApp.Disabled = true
		cfg.WhatsApp.DisabledReason = "WhatsApp integration is disabled"
	case production && get(EnvEnableWhatsAppProduction) != "true":
		cfg.WhatsApp.Disabled = true
		cfg.WhatsApp.DisabledReason = "WhatsApp disabled in production; set " +
			EnvEnableWhatsAppProduction + "=true to enable it"
	}
}

// IsProduction reports whether the process runs in a hosted production
// environment.
func IsProduction(lookup func(string) (string, bool)) bool {
	if v, _ := lookup("RAILWAY_ENVIRONMENT"); v == "production" {
		return true
	}
	if v, _ := lookup("NODE_ENV"); v == "production" {
		return true
	}
	v, _ := lookup("RAILWAY_PROJECT_ID")
	return v != ""
}

// resolveRelativePaths makes file paths relative to the config file's
// directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)

	cfg.WhatsApp.AuthDir = resolvePathFromConfig(cfg.WhatsApp.AuthDir, dir)
	cfg.WhatsApp.CacheDir = resolvePathFromConfig(cfg.WhatsApp.CacheDir, dir)
	if cfg.Database.Backend == database.BackendSQLite {
		cfg.Database.SQLite.Path = resolvePathFromConfig(cfg.Database.SQLite.Path, dir)
	}
}

// resolvePathFromConfig expands ~ and joins relative paths onto configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config is readable by group or
// others. It may hold the operator token.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
