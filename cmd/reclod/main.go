package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reclo/reclo/internal/audit"
	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/codec"
	"github.com/reclo/reclo/internal/config"
	"github.com/reclo/reclo/internal/diag"
	"github.com/reclo/reclo/internal/link"
	"github.com/reclo/reclo/internal/metrics"
	"github.com/reclo/reclo/internal/notify"
	"github.com/reclo/reclo/internal/recorder"
	"github.com/reclo/reclo/internal/retimestamp"
	"github.com/reclo/reclo/internal/session"
	"github.com/reclo/reclo/internal/timesource"
	"github.com/reclo/reclo/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting reclod",
		"storage_dir", cfg.StorageDir,
		"chunk_duration", cfg.ChunkDurationSeconds,
		"buffer_mode", cfg.BufferMode,
		"link_addr", cfg.LinkAddr,
		"http_port", cfg.HTTPPort,
	)

	// Audit database: upload-batch, ACK, and frame-drop bookkeeping. Purely
	// additive observability, never on the hot ingest/transfer path. Kept
	// next to, not inside, the chunk storage directory so it never shows up
	// in a chunkstore enumeration pass.
	auditDB, err := audit.Open(filepath.Dir(filepath.Clean(cfg.StorageDir)))
	if err != nil {
		slog.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	auditLog := audit.NewLogger(auditDB)

	clock := timesource.New(logger)

	store := chunkstore.New(cfg.StorageDir, logger)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to create storage directory", "error", err)
		os.Exit(1)
	}

	bufMode := recorder.ModeStreaming
	if cfg.BufferMode == "accumulate" {
		bufMode = recorder.ModeAccumulate
	}

	// The real microphone/encoder sits behind recorder.CodecSource and
	// is out of scope (spec.md §6); the bundled null source keeps the
	// recorder pipeline exercisable without hardware.
	codecSrc := codec.NewNullSource(320, 20*time.Millisecond)

	rec := recorder.New(recorder.Config{
		ChunkDuration: time.Duration(cfg.ChunkDurationSeconds) * time.Second,
		BufferMode:    bufMode,
		BufferSize:    cfg.StreamBufferBytes,
		CodecID:       uint8(cfg.CodecID),
		SampleRate:    uint32(cfg.SampleRate),
	}, store, clock, codecSrc, logger)
	rec.SetAuditLogger(auditLog)
	if err := rec.Init(); err != nil {
		slog.Error("failed to initialize recorder", "error", err)
		os.Exit(1)
	}

	rt := retimestamp.New(store, clock, rec, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go codecSrc.Run(appCtx)
	go rt.Run(appCtx, 30*time.Second)

	if err := rec.Start(); err != nil {
		slog.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to resolve jwt secret", "error", err)
		os.Exit(1)
	}

	diagSrv := diag.NewServer(diag.ServerConfig{
		Addr:          fmt.Sprintf(":%d", cfg.HTTPPort),
		CORSOrigins:   splitCSV(cfg.CORSOrigins),
		JWTSecret:     jwtSecret,
		PairingSecret: cfg.PairingSecret,
	}, store, rec, nil, clock, auditLog, logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(store, rec, nil, clock, time.Now())
	reg.MustRegister(collector)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              ":9091",
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sessState := &sessionStateHolder{startedAt: time.Now()}
	notifyClient := notify.NewClient(notify.Config{
		BaseURL:      cfg.NotifyGatewayURL,
		LicenseKey:   cfg.LicenseKey,
		DeviceID:     cfg.DeviceID,
		PushToken:    cfg.PushToken,
		PushPlatform: cfg.PushPlatform,
	})
	notifyMonitor := notify.NewMonitor(notifyClient, store, sessState, notify.DefaultMonitorConfig(), logger)

	errCh := make(chan error, 2)

	go func() {
		if err := diagSrv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("diag server: %w", err)
		}
	}()

	go func() {
		slog.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go runLinkAcceptLoop(appCtx, cfg, store, clock, rt, auditLog, diagSrv, collector, sessState, logger)

	if notifyClient.Configured() {
		go notifyMonitor.Run(appCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	appCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("diag server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}
	if err := rec.Stop(); err != nil {
		slog.Error("recorder stop error", "error", err)
	}

	slog.Info("reclod stopped")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// sessionStateHolder adapts the latest session.Controller built by the link
// accept loop to notify.SessionState, so the backlog monitor survives link
// reconnects without restarting. Before the first connection it reports the
// time since the daemon started.
type sessionStateHolder struct {
	current   atomic.Pointer[session.Controller]
	startedAt time.Time
}

func (h *sessionStateHolder) TimeSinceConnected() time.Duration {
	c := h.current.Load()
	if c == nil {
		return time.Since(h.startedAt)
	}
	return c.TimeSinceConnected()
}

// runLinkAcceptLoop accepts reference TCP link connections one at a time
// (the bundled demo transport's stand-in for a BLE peer), building a fresh
// session.Controller and transfer.Uploader for each and rebinding the
// diagnostics API, metrics collector, and notify monitor to it. A real BLE
// driver manages reconnection inside its own link.Conn implementation and
// would not need this loop.
func runLinkAcceptLoop(
	ctx context.Context,
	cfg *config.Config,
	store *chunkstore.Store,
	clock *timesource.Source,
	rt *retimestamp.Retimestamper,
	auditLog *audit.Logger,
	diagSrv *diag.Server,
	collector *metrics.Collector,
	sessState *sessionStateHolder,
	logger *slog.Logger,
) {
	ln, err := net.Listen("tcp", cfg.LinkAddr)
	if err != nil {
		slog.Error("link listener failed", "addr", cfg.LinkAddr, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	uploadCfg := transfer.Config{}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("link accept failed", "error", err)
			continue
		}

		tcpConn := link.NewTCPConn(conn, logger)
		up := transfer.New(store, tcpConn, uploadCfg, logger)
		sess := session.New(tcpConn, store, clock, up, rt, logger)
		sess.SetAuditLogger(auditLog)

		diagSrv.SetSession(sess)
		collector.SetSession(sess)
		sessState.current.Store(sess)

		slog.Info("link connected", "remote", conn.RemoteAddr())
	}
}
