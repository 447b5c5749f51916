// Package config holds the taskwire configuration: one YAML file laid over
// DefaultConfig, with environment expansion and deployment overrides.
package config

import (
	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/database"
	"github.com/jholhewres/taskwire/pkg/taskwire/webui"
	"github.com/jholhewres/taskwire/pkg/taskwire/workflow"
)

// Config is the top-level configuration.
type Config struct {
	// Name identifies this instance in logs.
	Name string `yaml:"name"`

	Logging  LoggingConfig   `yaml:"logging"`
	Server   webui.Config    `yaml:"server"`
	Database database.Config `yaml:"database"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Workflow workflow.Config `yaml:"workflow"`
	Events   EventsConfig    `yaml:"events"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// EventsConfig sizes the viewer event hub.
type EventsConfig struct {
	// BufferSize is the per-subscriber queue; slow viewers lose events
	// beyond it.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "taskwire",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server:   webui.DefaultConfig(),
		Database: database.DefaultConfig(),
		WhatsApp: whatsapp.DefaultConfig(),
		Workflow: workflow.DefaultConfig(),
		Events: EventsConfig{
			BufferSize: 64,
		},
	}
}
