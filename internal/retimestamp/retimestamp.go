// Package retimestamp implements spec.md §4.4 (component C4): converting
// uptime-tagged chunks to wall-clock-tagged chunks once the phone provides
// an epoch. Grounded on the ticker/ctx-select shape of
// internal/recording/cleanup.go, with a trigger channel standing in for
// that package's "dynamic setting changed" poll.
package retimestamp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/rerr"
	"github.com/reclo/reclo/internal/timesource"
)

// NMax is the per-invocation batch cap from spec.md §4.4.
const NMax = 64

// OpenFileRetimestamper is the seam into the recorder's in-flight .tmp
// file, satisfied by *recorder.Recorder.
type OpenFileRetimestamper interface {
	RetimestampOpenFile(uptimeNowS, wallNowS int64) (corrected bool, err error)
}

// Retimestamper batches the rename-and-rewrite work described in spec.md
// §4.4, including the currently-open file (via OpenFileRetimestamper) and
// every published .upt file.
type Retimestamper struct {
	store    *chunkstore.Store
	clock    *timesource.Source
	recorder OpenFileRetimestamper
	logger   *slog.Logger

	triggerCh chan struct{}
}

// New creates a Retimestamper.
func New(store *chunkstore.Store, clock *timesource.Source, recorder OpenFileRetimestamper, logger *slog.Logger) *Retimestamper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retimestamper{
		store:     store,
		clock:     clock,
		recorder:  recorder,
		logger:    logger.With("subsystem", "retimestamp"),
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger schedules a retimestamp pass, coalescing with any pending one
// already queued. Called by the session controller when the phone provides
// a time sync (spec.md §4.6).
func (rt *Retimestamper) Trigger() {
	select {
	case rt.triggerCh <- struct{}{}:
	default:
	}
}

// Run blocks, driving retimestamp passes off Trigger and a fallback ticker
// that retries any .upt files a previous rename failure left behind
// (spec.md §4.4's failure mode: "the next sync will retry"). Returns when
// ctx is canceled.
func (rt *Retimestamper) Run(ctx context.Context, retryInterval time.Duration) {
	if retryInterval <= 0 {
		retryInterval = time.Minute
	}
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.triggerCh:
			rt.runUntilDry(ctx)
		case <-ticker.C:
			rt.runUntilDry(ctx)
		}
	}
}

// runUntilDry keeps calling RunOnce while it reports more work pending, so
// directories holding more than NMax files drain across consecutive
// batches without waiting for another external trigger.
func (rt *Retimestamper) runUntilDry(ctx context.Context) {
	for {
		_, more, err := rt.RunOnce()
		if err != nil {
			rt.logger.Error("retimestamp batch failed", "error", err)
			return
		}
		if !more {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunOnce processes the currently-open unsynced file (if any) and up to
// NMax published .upt files, returning the count processed and whether
// more remain for a subsequent invocation. It does nothing until the clock
// is synced, so .upt files keep their uptime tags until then.
func (rt *Retimestamper) RunOnce() (processed int, more bool, err error) {
	if !rt.clock.Synced() {
		return 0, false, nil
	}
	uptimeNow := rt.clock.Uptime()
	wallNow := rt.clock.Now()

	if rt.recorder != nil {
		corrected, err := rt.recorder.RetimestampOpenFile(uptimeNow, wallNow)
		if err != nil {
			rt.logger.Error("retimestamp of open file failed; left unsynced", "error", err)
		} else if corrected {
			processed++
		}
	}

	names, err := rt.store.EnumerateUpt()
	if err != nil {
		return processed, false, err
	}
	if len(names) > NMax {
		more = true
		names = names[:NMax]
	}

	for _, name := range names {
		ts, _, ok := chunkstore.ParseName(name)
		if !ok {
			continue
		}
		if err := rt.retimestampFile(ts, uptimeNow, wallNow); err != nil {
			rt.logger.Error("retimestamp of file failed; left as .upt", "ts", ts, "error", err)
			continue
		}
		processed++
	}
	return processed, more, nil
}

func (rt *Retimestamper) retimestampFile(ts uint32, uptimeNowS, wallNowS int64) error {
	realTS := wallNowS - (uptimeNowS - int64(ts))
	if realTS < 0 {
		realTS = 0
	}

	oldPath := rt.store.FinalPath(ts, false)
	f, err := os.OpenFile(oldPath, os.O_RDWR, 0o644)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "retimestamp.retimestampFile", err)
	}

	var tsBuf [4]byte
	putU32(tsBuf[:], uint32(realTS))
	if _, err := f.WriteAt(tsBuf[:], 4); err != nil {
		f.Close()
		return rerr.Wrap(rerr.KindIO, "retimestamp.retimestampFile", err)
	}
	if err := f.Close(); err != nil {
		return rerr.Wrap(rerr.KindIO, "retimestamp.retimestampFile", err)
	}

	newPath := rt.store.FinalPath(uint32(realTS), true)
	if err := os.Rename(oldPath, newPath); err != nil {
		return rerr.Wrap(rerr.KindIO, "retimestamp.retimestampFile", err)
	}
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
