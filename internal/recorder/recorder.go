// Package recorder implements spec.md §4.3 (component C3): a concurrent,
// time-rotated chunking pipeline between a push-mode codec source and the
// chunk store, with crash-safe finalization and a bounded-RAM write path.
package recorder

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reclo/reclo/internal/audit"
	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/rerr"
	"github.com/reclo/reclo/internal/timesource"
)

// BufferMode selects one of the two write-path variants spec.md §4.3
// permits. The chunk file format is identical either way — only the RAM
// staging behavior during growth differs.
type BufferMode int

const (
	// ModeStreaming flushes the staging buffer to the open file whenever a
	// frame would overflow it, bounding peak RAM at Config.BufferSize.
	// Grounded on the 30s/4KB build in original_source/omi/.../reclo_recorder.c.
	ModeStreaming BufferMode = iota
	// ModeAccumulate uses the larger DefaultAccumulateBufferSize, so a chunk
	// that fits in it stays in RAM until a single flush at finalization. A
	// chunk that outgrows Config.BufferSize is flushed on overflow exactly as
	// in ModeStreaming, and the .tmp file is created at open in both modes.
	// Grounded on the 15s build in
	// original_source/firmware/src/reclo_recorder.c
	// (RECLO_CHUNK_MAX_BYTES = 75000).
	ModeAccumulate
)

const (
	// DefaultStreamingBufferSize is B for ModeStreaming.
	DefaultStreamingBufferSize = 4096
	// DefaultAccumulateBufferSize is B for ModeAccumulate.
	DefaultAccumulateBufferSize = 75000
	// MaxFrameSize is the largest frame length spec.md §4.3 allows through
	// ingest; anything longer is dropped.
	MaxFrameSize = 65535
)

// Config configures one Recorder instance.
type Config struct {
	ChunkDuration time.Duration // D, 15s or 30s per spec.md §3
	BufferMode    BufferMode
	BufferSize    int // B; 0 selects the mode's default
	CodecID       uint8
	SampleRate    uint32 // always 16000 per spec.md §3
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		switch c.BufferMode {
		case ModeAccumulate:
			c.BufferSize = DefaultAccumulateBufferSize
		default:
			c.BufferSize = DefaultStreamingBufferSize
		}
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 15 * time.Second
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	return c
}

// CodecSource is the narrow interface the recorder consumes from the
// external codec collaborator (spec.md §6): exactly one active callback at
// a time, invoked on the codec's own thread/goroutine.
type CodecSource interface {
	SetCallback(cb func(frame []byte))
}

// Recorder consumes encoded frames from a CodecSource, rotates chunk files
// every Config.ChunkDuration, and publishes them through a chunkstore.Store.
type Recorder struct {
	cfg      Config
	store    *chunkstore.Store
	clock    *timesource.Source
	codec    CodecSource
	logger   *slog.Logger
	auditLog *audit.Logger

	mu        sync.Mutex
	recording bool
	file      *os.File
	tmpPath   string
	fileTS    uint32
	unsynced  bool
	buf       []byte
	dataSize  uint32

	stopCh  chan struct{}
	rotDone chan struct{}

	dropCount atomic.Uint64
	chunkSeq  atomic.Uint64
}

// New creates a Recorder. It does not start recording.
func New(cfg Config, store *chunkstore.Store, clock *timesource.Source, codec CodecSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg.withDefaults(),
		store:  store,
		clock:  clock,
		codec:  codec,
		logger: logger.With("subsystem", "recorder"),
	}
}

// SetAuditLogger wires an audit logger for dropped-frame recording. A nil
// logger (the default) makes DropCount the only record of drops.
func (r *Recorder) SetAuditLogger(l *audit.Logger) {
	r.auditLog = l
}

// Init ensures the storage directory exists. Idempotent.
func (r *Recorder) Init() error {
	return r.store.EnsureDir()
}

// Start opens the first chunk file, installs the codec callback, and arms
// the rotation timer. Idempotent if already recording.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	if err := r.openNewLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.recording = true
	stopCh := make(chan struct{})
	rotDone := make(chan struct{})
	r.stopCh = stopCh
	r.rotDone = rotDone
	r.mu.Unlock()

	r.codec.SetCallback(r.Ingest)
	go r.rotationLoop(stopCh, rotDone)
	r.logger.Info("recording started", "chunk_duration", r.cfg.ChunkDuration)
	return nil
}

// Stop disarms the rotation timer, clears the codec callback, finalizes the
// open file, and publishes it. Idempotent if not recording.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	stopCh := r.stopCh
	rotDone := r.rotDone
	r.mu.Unlock()

	r.codec.SetCallback(nil)
	close(stopCh)
	<-rotDone

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.finalizeLocked()
	r.logger.Info("recording stopped")
	return err
}

// Count returns the number of chunks this Recorder has finalized since
// construction.
func (r *Recorder) Count() uint64 {
	return r.chunkSeq.Load()
}

// DropCount returns the number of frames dropped since construction — the
// diagnostics counter called for by spec.md §9's design note on silent
// frame drops.
func (r *Recorder) DropCount() uint64 {
	return r.dropCount.Load()
}

// Ingest is installed as the codec callback. It drops malformed frames and,
// if recording, appends the frame under the recorder lock per spec.md
// §4.3's concurrency model.
func (r *Recorder) Ingest(frame []byte) {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		r.dropCount.Add(1)
		r.logger.Warn("dropping frame with invalid length", "len", len(frame))
		r.recordDrop("invalid_length", len(frame))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		r.dropCount.Add(1)
		r.recordDrop("not_recording", len(frame))
		return
	}
	r.appendLocked(frame)
}

// recordDrop fires the audit logger on a best-effort basis; a slow or
// unavailable audit database must never back-pressure frame ingest.
func (r *Recorder) recordDrop(reason string, size int) {
	if r.auditLog == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.auditLog.RecordDrop(ctx, time.Now(), reason, size); err != nil {
			r.logger.Debug("audit drop record failed", "error", err)
		}
	}()
}

func (r *Recorder) rotationLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.ChunkDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.rotate()
		}
	}
}

// rotate runs one rotation: finalize the open file and open a new one.
// Dispatched to the dedicated rotation goroutine since it performs I/O.
func (r *Recorder) rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	if err := r.finalizeLocked(); err != nil {
		r.logger.Error("rotation finalize failed", "error", err)
	}
	if err := r.openNewLocked(); err != nil {
		r.logger.Error("rotation open failed", "error", err)
	}
}

func (r *Recorder) appendLocked(frame []byte) {
	entry := make([]byte, 2+len(frame))
	entry[0] = byte(len(frame))
	entry[1] = byte(len(frame) >> 8)
	copy(entry[2:], frame)

	b := r.cfg.BufferSize
	if len(entry) > b {
		r.dropCount.Add(1)
		r.logger.Warn("dropping frame larger than staging buffer", "len", len(frame), "buffer_size", b)
		r.recordDrop("oversize_for_buffer", len(frame))
		return
	}
	if len(r.buf)+len(entry) > b {
		r.flushLocked()
	}
	r.buf = append(r.buf, entry...)
	r.dataSize += uint32(len(entry))
}

func (r *Recorder) flushLocked() {
	if len(r.buf) == 0 {
		return
	}
	if _, err := r.file.Write(r.buf); err != nil {
		r.logger.Error("staging buffer flush failed", "error", err)
	}
	r.buf = r.buf[:0]
}

// openNewLocked creates a new .tmp chunk file tagged with the current time
// source reading, per spec.md §4.3's "timestamp source at open" rule: the
// sync decision is made once, here, and does not change across rotation.
func (r *Recorder) openNewLocked() error {
	synced := r.clock.Synced()
	var ts uint32
	if synced {
		ts = uint32(r.clock.Now())
	} else {
		ts = uint32(r.clock.Uptime())
	}

	tmpPath := r.store.TmpPath(ts)
	f, err := os.Create(tmpPath)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "recorder.openNew", err)
	}
	hdr := chunkstore.EncodeHeader(chunkstore.Header{
		TS:         ts,
		CodecID:    r.cfg.CodecID,
		SampleRate: r.cfg.SampleRate,
		DataSize:   0,
	})
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return rerr.Wrap(rerr.KindIO, "recorder.openNew", err)
	}

	r.file = f
	r.tmpPath = tmpPath
	r.fileTS = ts
	r.unsynced = !synced
	if cap(r.buf) == 0 {
		r.buf = make([]byte, 0, r.cfg.BufferSize)
	} else {
		r.buf = r.buf[:0]
	}
	r.dataSize = 0
	return nil
}

// finalizeLocked flushes, back-fills data_size at header offset 13, closes,
// and publishes the open file. A no-op if no file is open.
func (r *Recorder) finalizeLocked() error {
	if r.file == nil {
		return nil
	}
	r.flushLocked()

	var sizeBuf [4]byte
	putU32(sizeBuf[:], r.dataSize)
	if _, err := r.file.WriteAt(sizeBuf[:], 13); err != nil {
		r.file.Close()
		r.file = nil
		return rerr.Wrap(rerr.KindIO, "recorder.finalize", err)
	}

	tmpPath, ts, unsynced := r.tmpPath, r.fileTS, r.unsynced
	if err := r.file.Close(); err != nil {
		r.file = nil
		return rerr.Wrap(rerr.KindIO, "recorder.finalize", err)
	}
	r.file = nil

	finalName := chunkstore.Name(ts, suffixFor(unsynced))
	if err := r.store.Publish(tmpPath, finalName); err != nil {
		return err
	}
	r.chunkSeq.Add(1)
	return nil
}

func suffixFor(unsynced bool) string {
	if unsynced {
		return chunkstore.SuffixUpt
	}
	return chunkstore.SuffixBin
}

// RetimestampOpenFile is the hook spec.md §4.4 calls out: the retimestamper
// must take the recorder lock to correct the currently-open .tmp file's
// timestamp, rename it in place, and continue appending under the same
// handle. Returns false if there is no open unsynced file to correct.
func (r *Recorder) RetimestampOpenFile(uptimeNowS, wallNowS int64) (corrected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil || !r.unsynced {
		return false, nil
	}

	realTS := wallNowS - (uptimeNowS - int64(r.fileTS))
	if realTS < 0 {
		realTS = 0
	}

	var tsBuf [4]byte
	putU32(tsBuf[:], uint32(realTS))
	if _, err := r.file.WriteAt(tsBuf[:], 4); err != nil {
		return false, rerr.Wrap(rerr.KindIO, "recorder.RetimestampOpenFile", err)
	}

	newTmpPath := r.store.TmpPath(uint32(realTS))
	if err := os.Rename(r.tmpPath, newTmpPath); err != nil {
		return false, rerr.Wrap(rerr.KindIO, "recorder.RetimestampOpenFile", err)
	}

	r.tmpPath = newTmpPath
	r.fileTS = uint32(realTS)
	r.unsynced = false
	return true, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
