package retimestamp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/timesource"
)

type noOpenFile struct{}

func (noOpenFile) RetimestampOpenFile(uptimeNowS, wallNowS int64) (bool, error) { return false, nil }

func writeUptChunk(t *testing.T, store *chunkstore.Store, ts uint32) {
	t.Helper()
	hdr := chunkstore.EncodeHeader(chunkstore.Header{TS: ts, CodecID: 21, SampleRate: 16000, DataSize: 4})
	path := filepath.Join(store.Dir(), chunkstore.Name(ts, chunkstore.SuffixUpt))
	if err := os.WriteFile(path, append(hdr, []byte{1, 2, 3, 4}...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestRunOnceRetimestampsUptFiles(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 500_000 }) // uptime 500s

	writeUptChunk(t, store, 100) // opened at uptime 100s
	writeUptChunk(t, store, 200) // opened at uptime 200s

	rt := New(store, clock, noOpenFile{}, nil)
	clock.SetEpoch(1_700_000_000 + 500) // wall clock now == uptime 500s

	processed, more, err := rt.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if more {
		t.Error("expected no more work pending")
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}

	bin, err := store.EnumerateBin()
	if err != nil {
		t.Fatalf("EnumerateBin: %v", err)
	}
	if len(bin) != 2 {
		t.Fatalf("EnumerateBin = %v, want 2 entries", bin)
	}

	wantTS := map[string]bool{
		chunkstore.Name(1_700_000_000+100, chunkstore.SuffixBin): true, // opened at uptime 100s
		chunkstore.Name(1_700_000_000+200, chunkstore.SuffixBin): true, // opened at uptime 200s
	}
	for _, name := range bin {
		if !wantTS[name] {
			t.Errorf("unexpected retimestamped filename %q", name)
		}
	}

	upt, err := store.EnumerateUpt()
	if err != nil {
		t.Fatalf("EnumerateUpt: %v", err)
	}
	if len(upt) != 0 {
		t.Errorf("EnumerateUpt = %v, want empty after retimestamping", upt)
	}
}

func TestRunOnceCapsAtNMaxAndReportsMore(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 0 })

	for i := uint32(0); i < NMax+5; i++ {
		writeUptChunk(t, store, i)
	}

	rt := New(store, clock, noOpenFile{}, nil)
	clock.SetEpoch(2_000_000_000)

	processed, more, err := rt.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != NMax {
		t.Errorf("processed = %d, want %d", processed, NMax)
	}
	if !more {
		t.Error("expected more pending work beyond NMax")
	}
}

func TestTriggerCoalescesAndRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 0 })
	clock.SetEpoch(1_700_000_000)

	writeUptChunk(t, store, 1)

	rt := New(store, clock, noOpenFile{}, nil)
	rt.Trigger()
	rt.Trigger() // coalesced: buffered channel of size 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx, 0)
		close(done)
	}()

	// Give the run loop a chance to drain the trigger before shutting down.
	// A real assertion on filesystem state would race with the goroutine's
	// own timing, so this test only exercises Trigger/Run's non-blocking
	// contract; RunOnce's behavior is covered directly above.
	cancel()
	<-done
}
