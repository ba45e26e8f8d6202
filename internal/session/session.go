// Package session implements spec.md §4.6 (component C6): link state
// tracking, control-command wiring, and the gate that admits an upload
// batch only while the phone is connected, subscribed, and has requested
// one.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reclo/reclo/internal/audit"
	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/link"
	"github.com/reclo/reclo/internal/retimestamp"
	"github.com/reclo/reclo/internal/timesource"
	"github.com/reclo/reclo/internal/transfer"
)

// Controller tracks connected/notifyEnabled/uploadActive and wires inbound
// control commands into the chunk store, the uploader, and the
// retimestamper, per spec.md §4.6.
type Controller struct {
	conn  link.Conn
	store *chunkstore.Store
	clock *timesource.Source
	up    *transfer.Uploader
	rt    *retimestamp.Retimestamper

	logger   *slog.Logger
	auditLog *audit.Logger

	mu              sync.Mutex
	connected       bool
	notifyEnabled   bool
	lastConnectedAt time.Time

	uploadActive atomic.Bool
	uploadWG     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Controller and wires it to conn's control and connection
// events. notifyEnabled starts true: spec.md treats subscription to the
// data channel as implicit once connected, since the reference link layer
// (link/tcpconn) has no separate subscribe handshake; a real BLE driver can
// call SetNotifyEnabled explicitly once the phone subscribes.
func New(conn link.Conn, store *chunkstore.Store, clock *timesource.Source, up *transfer.Uploader, rt *retimestamp.Retimestamper, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conn:            conn,
		store:           store,
		clock:           clock,
		up:              up,
		rt:              rt,
		notifyEnabled:   true,
		lastConnectedAt: time.Now(),
		logger:          logger.With("subsystem", "session"),
		ctx:             ctx,
		cancel:          cancel,
	}
	conn.SetControlHandler(c.handleControl)
	conn.SetConnectionHandler(c.handleConnection)
	return c
}

// SetAuditLogger wires an audit logger for upload-batch and ACK recording.
// A nil logger (the default) disables this bookkeeping with no behavior
// change to the protocol itself.
func (c *Controller) SetAuditLogger(l *audit.Logger) {
	c.auditLog = l
}

// Close cancels any in-flight upload and releases the controller.
func (c *Controller) Close() {
	c.cancel()
	c.uploadWG.Wait()
}

// Connected reports link-up state.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UploadActive reports whether an upload batch is currently running.
func (c *Controller) UploadActive() bool {
	return c.uploadActive.Load()
}

// TimeSinceConnected reports how long it has been since the link was last
// up. It returns 0 while connected, and the time since the controller was
// created if the link has not connected since then. Used by
// internal/notify's backlog monitor to decide when to nudge the phone.
func (c *Controller) TimeSinceConnected() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected || c.lastConnectedAt.IsZero() {
		return 0
	}
	return time.Since(c.lastConnectedAt)
}

// SetTimeSync applies an epoch reading from the phone's time-sync input
// (spec.md §6) and schedules the retimestamper.
func (c *Controller) SetTimeSync(epochSeconds int64) {
	c.clock.SetEpoch(epochSeconds)
	if c.rt != nil {
		c.rt.Trigger()
	}
}

func (c *Controller) handleConnection(connected bool) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = connected
	c.notifyEnabled = connected
	if wasConnected && !connected {
		c.lastConnectedAt = time.Now()
	}
	c.mu.Unlock()

	if !connected {
		c.uploadActive.Store(false)
		c.logger.Info("link disconnected")
		return
	}
	c.logger.Info("link connected")
}

func (c *Controller) handleControl(data []byte) {
	cmd, err := transfer.ParseControl(data)
	if err != nil {
		c.logger.Warn("rejecting control write with invalid length", "len", len(data))
		return
	}

	switch cmd.Cmd {
	case transfer.CtrlRequestUpload:
		c.requestUpload()
	case transfer.CtrlAckChunk:
		if err := c.store.Unlink(cmd.TS); err != nil {
			c.logger.Error("ack-driven unlink failed", "ts", cmd.TS, "error", err)
		}
		c.recordAck(cmd.TS)
	case transfer.CtrlAbort:
		c.uploadActive.Store(false)
	default:
		c.logger.Info("ignoring unknown control command", "cmd", cmd.Cmd)
	}
}

// requestUpload starts an upload batch if one is not already running and
// the link is connected. Idempotent while active, per spec.md §4.5's
// control command table.
func (c *Controller) requestUpload() {
	c.mu.Lock()
	connected := c.connected
	notify := c.notifyEnabled
	c.mu.Unlock()

	if !connected || !notify {
		c.logger.Info("ignoring REQUEST_UPLOAD: link not ready")
		return
	}
	if !c.uploadActive.CompareAndSwap(false, true) {
		return // already uploading
	}

	c.uploadWG.Add(1)
	go func() {
		defer c.uploadWG.Done()
		defer c.uploadActive.Store(false)

		started := time.Now()
		batchID, auditErr := c.auditLog.StartBatch(c.ctx, started)
		if auditErr != nil {
			c.logger.Debug("audit batch start failed", "error", auditErr)
		}

		err := c.up.RunBatch(c.ctx, c.uploadActive.Load)
		if err != nil {
			c.logger.Info("upload batch ended", "error", err)
		}

		if finErr := c.auditLog.FinishBatch(c.ctx, batchID, time.Now(), 0, 0, err != nil, err); finErr != nil {
			c.logger.Debug("audit batch finish failed", "error", finErr)
		}
	}()
}

// recordAck fires the audit logger on a best-effort basis.
func (c *Controller) recordAck(ts uint32) {
	if c.auditLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.auditLog.RecordAck(ctx, ts, time.Now()); err != nil {
		c.logger.Debug("audit ack record failed", "error", err)
	}
}

// SetNotifyEnabled records whether the phone has subscribed to the data
// channel, for link drivers with an explicit subscribe handshake.
func (c *Controller) SetNotifyEnabled(enabled bool) {
	c.mu.Lock()
	c.notifyEnabled = enabled
	c.mu.Unlock()
}
