// Package health runs the shard's periodic housekeeping checks: idle
// connection reaping, session log retention, log file rotation and host
// load warnings.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shard/internal/util"
)

// Reaper closes connections idle for longer than timeout.
type Reaper interface {
	CleanStale(timeout time.Duration) int
}

// Pruner deletes audit rows older than retention.
type Pruner interface {
	Prune(retention time.Duration) (int64, error)
}

// Config sets the check intervals. A zero interval disables its check.
type Config struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	Retention     time.Duration
	PruneInterval time.Duration

	LogDirectory     string
	LogBackups       int
	LogCleanInterval time.Duration

	LoadInterval      time.Duration
	MemoryWarnPercent float64
}

// Manager runs each check on its own ticker.
type Manager struct {
	cfg    Config
	reaper Reaper
	pruner Pruner
	logger zerolog.Logger
	sample func() util.HostStats
}

// NewManager creates a manager. pruner may be nil when the session log is
// disabled.
func NewManager(cfg Config, reaper Reaper, pruner Pruner) *Manager {
	return &Manager{
		cfg:    cfg,
		reaper: reaper,
		pruner: pruner,
		logger: util.ComponentLogger("health"),
		sample: util.GetHostStats,
	}
}

// Start runs every enabled check once and then on its interval until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"idle_reaper", m.cfg.ReapInterval, m.reapIdle},
		{"session_log_prune", m.cfg.PruneInterval, m.pruneSessionLog},
		{"log_cleanup", m.cfg.LogCleanInterval, m.cleanLogs},
		{"host_load", m.cfg.LoadInterval, m.checkHostLoad},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn()
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

func (m *Manager) reapIdle() {
	if m.reaper == nil || m.cfg.IdleTimeout <= 0 {
		return
	}
	if n := m.reaper.CleanStale(m.cfg.IdleTimeout); n > 0 {
		m.logger.Info().Int("closed", n).Dur("idle_timeout", m.cfg.IdleTimeout).Msg("reaped idle connections")
	}
}

func (m *Manager) pruneSessionLog() {
	if m.pruner == nil || m.cfg.Retention <= 0 {
		return
	}
	n, err := m.pruner.Prune(m.cfg.Retention)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to prune session log")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("rows", n).Msg("pruned session log")
	}
}

func (m *Manager) cleanLogs() {
	if m.cfg.LogDirectory == "" {
		return
	}
	util.CleanOldLogs(m.cfg.LogDirectory, m.cfg.LogBackups)
}

func (m *Manager) checkHostLoad() {
	stats := m.sample()
	if m.cfg.MemoryWarnPercent > 0 && stats.MemoryPercent >= m.cfg.MemoryWarnPercent {
		m.logger.Warn().
			Float64("memory_percent", stats.MemoryPercent).
			Uint64("process_rss_mb", stats.ProcessRSSMB).
			Msg("host memory usage high")
	}
	m.logger.Debug().
		Float64("cpu_percent", stats.CPUPercent).
		Int("goroutines", stats.Goroutines).
		Msg("host load sample")
}
