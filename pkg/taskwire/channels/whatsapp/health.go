// Package whatsapp – health.go periodically checks that a ready channel is
// still connected and reports silent disconnects to the state machine.
package whatsapp

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// HealthMonitorConfig configures the periodic connection check.
type HealthMonitorConfig struct {
	// Enabled turns the monitor on.
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often the check runs.
	// Default: 30s
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long a ready channel may go without any
	// activity before the check looks closer.
	// Default: 5m
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the client still claims to be connected (0 = never).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:           true,
		CheckInterval:     30 * time.Second,
		MaxSilentDuration: 5 * time.Minute,
	}
}

func (s *Service) startHealthMonitor(cfg HealthMonitorConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.CheckInterval)
	if _, err := c.AddFunc(spec, func() { s.performHealthCheck(cfg) }); err != nil {
		return fmt.Errorf("scheduling health check %q: %w", spec, err)
	}
	s.health = c
	c.Start()

	s.logger.Info("whatsapp health monitor started",
		"check_interval", cfg.CheckInterval,
		"max_silent", cfg.MaxSilentDuration,
		"force_reconnect_after", cfg.ForceReconnectAfter)
	return nil
}

// performHealthCheck reports a disconnect when a ready channel turns out
// to be offline.
func (s *Service) performHealthCheck(cfg HealthMonitorConfig) {
	s.snapMu.RLock()
	st, conn := s.snap, s.snapConn
	s.snapMu.RUnlock()

	if st.Phase != PhaseReady || conn == nil {
		return
	}

	if !conn.IsConnected() {
		s.logger.Error("health check: client reports disconnected while ready",
			"generation", st.Generation)
		s.recordHealth("disconnected")
		s.post(DisconnectedReceived{Gen: st.Generation, Reason: "health_check_failed"})
		return
	}

	var silent time.Duration
	if last, ok := s.lastActivity.Load().(time.Time); ok {
		silent = s.now().Sub(last)
	}
	if silent > cfg.MaxSilentDuration {
		if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
			s.logger.Warn("health check: forcing reconnect after long silence",
				"silent_duration", silent)
			s.recordHealth("silent")
			s.post(DisconnectedReceived{Gen: st.Generation, Reason: "silent_too_long"})
			return
		}
		s.logger.Debug("health check: channel silent but connected", "silent_duration", silent)
	}
	s.recordHealth("ok")
}

func (s *Service) recordHealth(result string) {
	if s.metrics != nil {
		s.metrics.HealthChecks.WithLabelValues(result).Inc()
	}
}
