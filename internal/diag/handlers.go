package diag

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/reclo/reclo/internal/audit"
	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/diag/auth"
	"github.com/reclo/reclo/internal/recorder"
	"github.com/reclo/reclo/internal/session"
	"github.com/reclo/reclo/internal/timesource"
)

// Handlers holds the collaborators the diagnostics API reads from. All
// fields are optional; a nil collaborator's endpoints report a degraded
// status rather than panicking, since a demo or single-binary deployment
// may not wire every subsystem.
type Handlers struct {
	store    *chunkstore.Store
	recorder *recorder.Recorder
	clock    *timesource.Source
	auditLog *audit.Logger

	sessMu  sync.RWMutex
	session *session.Controller

	pairingSecret string
	jwtSecret     []byte

	startTime time.Time
}

// NewHandlers creates the diagnostics API's handler set.
func NewHandlers(store *chunkstore.Store, rec *recorder.Recorder, sess *session.Controller, clock *timesource.Source, pairingSecret string, jwtSecret []byte) *Handlers {
	return &Handlers{
		store:         store,
		recorder:      rec,
		session:       sess,
		clock:         clock,
		pairingSecret: pairingSecret,
		jwtSecret:     jwtSecret,
		startTime:     time.Now(),
	}
}

// SetAuditLogger wires the audit database backing GET /v1/audit/batches.
// The endpoint reports an empty list if no logger is set.
func (h *Handlers) SetAuditLogger(l *audit.Logger) {
	h.auditLog = l
}

// SetSession rebinds the session controller the status and time-sync
// endpoints read from. Used by reclod's link accept loop to point the
// diagnostics API at a freshly (re)connected link without restarting the
// HTTP server.
func (h *Handlers) SetSession(sess *session.Controller) {
	h.sessMu.Lock()
	h.session = sess
	h.sessMu.Unlock()
}

func (h *Handlers) getSession() *session.Controller {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	return h.session
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

type statusResponse struct {
	LinkConnected      bool   `json:"link_connected"`
	UploadActive       bool   `json:"upload_active"`
	ClockSynced        bool   `json:"clock_synced"`
	ChunksFinalized    uint64 `json:"chunks_finalized_total"`
	FramesDropped      uint64 `json:"frames_dropped_total"`
	ChunksPendingCount int    `json:"chunks_pending"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}

	if sess := h.getSession(); sess != nil {
		resp.LinkConnected = sess.Connected()
		resp.UploadActive = sess.UploadActive()
	}
	if h.clock != nil {
		resp.ClockSynced = h.clock.Synced()
	}
	if h.recorder != nil {
		resp.ChunksFinalized = h.recorder.Count()
		resp.FramesDropped = h.recorder.DropCount()
	}
	if h.store != nil {
		if n, err := h.store.CountBin(); err == nil {
			resp.ChunksPendingCount = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type chunkEntry struct {
	Name   string `json:"name"`
	TS     uint32 `json:"ts"`
	Synced bool   `json:"synced"`
}

// handleListChunks reports every chunk file currently on disk, both
// wall-clock-synced (.bin) and still-uptime-tagged (.upt), for the
// companion app's pending-upload view.
func (h *Handlers) handleListChunks(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk store not wired")
		return
	}

	bin, err := h.store.EnumerateBin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enumerating published chunks: "+err.Error())
		return
	}
	upt, err := h.store.EnumerateUpt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enumerating unsynced chunks: "+err.Error())
		return
	}

	entries := make([]chunkEntry, 0, len(bin)+len(upt))
	for _, name := range bin {
		if ts, _, ok := chunkstore.ParseName(name); ok {
			entries = append(entries, chunkEntry{Name: name, TS: ts, Synced: true})
		}
	}
	for _, name := range upt {
		if ts, _, ok := chunkstore.ParseName(name); ok {
			entries = append(entries, chunkEntry{Name: name, TS: ts, Synced: false})
		}
	}

	writeJSON(w, http.StatusOK, entries)
}

type pairRequest struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

type pairResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handlePair issues a companion-app JWT once the caller presents the
// configured pairing secret. The secret is compared as plain text against
// the operator-configured value rather than per-device bcrypt hashes,
// since reclod has exactly one shared pairing secret, not a user database;
// auth.HashSecret/VerifySecret exist for deployments that do manage a
// per-device secret store in front of this handler.
func (h *Handlers) handlePair(w http.ResponseWriter, r *http.Request) {
	defer drain(r)

	if h.pairingSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "pairing is disabled")
		return
	}

	var req pairRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Secret != h.pairingSecret {
		writeError(w, http.StatusUnauthorized, "invalid pairing secret")
		return
	}

	token, expiresAt, err := auth.GenerateToken(h.jwtSecret, req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generating token: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pairResponse{Token: token, ExpiresAt: expiresAt})
}

type timeSyncRequest struct {
	EpochSeconds int64 `json:"epoch_seconds"`
}

// handleTimeSync applies an epoch reading the companion app provides (the
// same event a BLE time-sync characteristic write would deliver) and
// schedules the retimestamper, per spec.md §4.6.
func (h *Handlers) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	defer drain(r)

	sess := h.getSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, "session not wired")
		return
	}

	var req timeSyncRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EpochSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "epoch_seconds must be positive")
		return
	}

	sess.SetTimeSync(req.EpochSeconds)
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// handleAuditBatches reports the most recent recorded upload batches, for
// operators diagnosing a device that won't sync. Reports an empty list
// rather than an error if no audit database is configured.
func (h *Handlers) handleAuditBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	batches, err := h.auditLog.RecentBatches(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing audit batches: "+err.Error())
		return
	}
	if batches == nil {
		batches = []audit.UploadBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}
