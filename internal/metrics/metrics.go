// Package metrics exposes reclod's runtime state as Prometheus metrics: one
// Collector gathered at scrape time from narrow provider interfaces rather
// than a push-based counter store.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChunkStoreProvider exposes the on-disk backlog of published chunks.
type ChunkStoreProvider interface {
	CountBin() (int, error)
}

// RecorderProvider exposes the recorder's lifetime counters.
type RecorderProvider interface {
	Count() uint64
	DropCount() uint64
}

// SessionProvider exposes link and upload state.
type SessionProvider interface {
	Connected() bool
	UploadActive() bool
}

// TimeSourceProvider exposes device clock sync state.
type TimeSourceProvider interface {
	Synced() bool
}

// Collector is a prometheus.Collector that gathers reclod metrics at
// scrape time. Any provider may be nil if that subsystem isn't wired.
type Collector struct {
	store     ChunkStoreProvider
	recorder  RecorderProvider
	clock     TimeSourceProvider
	startTime time.Time

	sessionMu sync.RWMutex
	session   SessionProvider

	chunksPendingDesc *prometheus.Desc
	chunksTotalDesc   *prometheus.Desc
	framesDroppedDesc *prometheus.Desc
	linkConnectedDesc *prometheus.Desc
	uploadActiveDesc  *prometheus.Desc
	clockSyncedDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a Collector. Any provider may be nil if unavailable.
func NewCollector(store ChunkStoreProvider, recorder RecorderProvider, session SessionProvider, clock TimeSourceProvider, startTime time.Time) *Collector {
	return &Collector{
		store:     store,
		recorder:  recorder,
		session:   session,
		clock:     clock,
		startTime: startTime,

		chunksPendingDesc: prometheus.NewDesc(
			"reclo_chunks_pending",
			"Number of finalized, synced chunks awaiting upload and ACK",
			nil, nil,
		),
		chunksTotalDesc: prometheus.NewDesc(
			"reclo_chunks_finalized_total",
			"Total number of chunk files finalized since process start",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"reclo_frames_dropped_total",
			"Total number of audio frames dropped by the recorder",
			nil, nil,
		),
		linkConnectedDesc: prometheus.NewDesc(
			"reclo_link_connected",
			"Whether a companion app is currently connected (1) or not (0)",
			nil, nil,
		),
		uploadActiveDesc: prometheus.NewDesc(
			"reclo_upload_active",
			"Whether a chunk upload batch is currently running (1) or not (0)",
			nil, nil,
		),
		clockSyncedDesc: prometheus.NewDesc(
			"reclo_clock_synced",
			"Whether the device clock has received an epoch from the phone (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"reclo_uptime_seconds",
			"Seconds since the reclod process started",
			nil, nil,
		),
	}
}

// SetSession rebinds the link/upload state provider, for callers whose
// transport reconnects over the collector's lifetime.
func (c *Collector) SetSession(session SessionProvider) {
	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()
}

func (c *Collector) getSession() SessionProvider {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.chunksPendingDesc
	ch <- c.chunksTotalDesc
	ch <- c.framesDroppedDesc
	ch <- c.linkConnectedDesc
	ch <- c.uploadActiveDesc
	ch <- c.clockSyncedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.store != nil {
		if n, err := c.store.CountBin(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.chunksPendingDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.recorder != nil {
		ch <- prometheus.MustNewConstMetric(c.chunksTotalDesc, prometheus.CounterValue, float64(c.recorder.Count()))
		ch <- prometheus.MustNewConstMetric(c.framesDroppedDesc, prometheus.CounterValue, float64(c.recorder.DropCount()))
	}

	if session := c.getSession(); session != nil {
		ch <- prometheus.MustNewConstMetric(c.linkConnectedDesc, prometheus.GaugeValue, boolToFloat(session.Connected()))
		ch <- prometheus.MustNewConstMetric(c.uploadActiveDesc, prometheus.GaugeValue, boolToFloat(session.UploadActive()))
	}

	if c.clock != nil {
		ch <- prometheus.MustNewConstMetric(c.clockSyncedDesc, prometheus.GaugeValue, boolToFloat(c.clock.Synced()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
