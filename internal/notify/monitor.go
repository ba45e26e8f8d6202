package notify

import (
	"context"
	"log/slog"
	"time"
)

// ChunkBacklog reports how many chunks are sitting on disk waiting to be
// uploaded. Satisfied by *chunkstore.Store.
type ChunkBacklog interface {
	CountBin() (int, error)
}

// SessionState reports how long the link has been down. Satisfied by
// *session.Controller.
type SessionState interface {
	TimeSinceConnected() time.Duration
}

// MonitorConfig configures the backlog monitor's thresholds and cadence.
type MonitorConfig struct {
	// CheckInterval is how often the backlog is sampled.
	CheckInterval time.Duration
	// BacklogThreshold is the minimum number of pending .bin chunks before
	// a reminder is considered.
	BacklogThreshold int
	// DisconnectedFor is how long the link must have been down before a
	// reminder is sent for a given backlog.
	DisconnectedFor time.Duration
	// MinReminderInterval rate-limits reminders so a stuck phone doesn't
	// get paged every tick.
	MinReminderInterval time.Duration
}

// DefaultMonitorConfig returns conservative defaults: check every 5
// minutes, remind once the phone has been gone for 30 minutes with 5 or
// more chunks waiting, and don't remind again for an hour.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:       5 * time.Minute,
		BacklogThreshold:    5,
		DisconnectedFor:     30 * time.Minute,
		MinReminderInterval: time.Hour,
	}
}

// Monitor periodically checks the chunk-store backlog and the session's
// disconnected duration, and calls out to the notify gateway (via Client)
// when both cross their configured thresholds. Grounded on
// internal/recording's cleanup ticker: a background goroutine driven by a
// time.Ticker, stopped by context cancellation.
type Monitor struct {
	client  *Client
	store   ChunkBacklog
	session SessionState
	cfg     MonitorConfig
	logger  *slog.Logger

	lastReminder time.Time
}

// NewMonitor creates a backlog monitor. If client is not Configured, Run
// returns immediately without starting a ticker.
func NewMonitor(client *Client, store ChunkBacklog, session SessionState, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		client:  client,
		store:   store,
		session: session,
		cfg:     cfg,
		logger:  logger.With("subsystem", "notify"),
	}
}

// Run blocks, checking the backlog on cfg.CheckInterval until ctx is
// cancelled. It is a no-op if the client has no gateway configured, so
// callers can always start it unconditionally.
func (m *Monitor) Run(ctx context.Context) {
	if !m.client.Configured() {
		m.logger.Debug("notify gateway not configured, backlog monitor disabled")
		return
	}

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	pending, err := m.store.CountBin()
	if err != nil {
		m.logger.Error("backlog check: counting chunks failed", "error", err)
		return
	}
	if pending < m.cfg.BacklogThreshold {
		return
	}

	if m.session.TimeSinceConnected() < m.cfg.DisconnectedFor {
		return
	}

	if !m.lastReminder.IsZero() && time.Since(m.lastReminder) < m.cfg.MinReminderInterval {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	delivered, err := m.client.SendReminder(reqCtx, pending)
	if err != nil {
		m.logger.Warn("sync reminder failed", "error", err, "pending_chunks", pending)
		return
	}

	m.lastReminder = time.Now()
	m.logger.Info("sync reminder sent", "delivered", delivered, "pending_chunks", pending)
}
