package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/timesource"
)

type fakeCodec struct {
	cb func([]byte)
}

func (f *fakeCodec) SetCallback(cb func([]byte)) { f.cb = cb }

func newTestRecorder(t *testing.T, cfg Config) (*Recorder, *chunkstore.Store, *fakeCodec) {
	t.Helper()
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 0 })
	codec := &fakeCodec{}
	r := New(cfg, store, clock, codec, nil)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r, store, codec
}

func TestRecorderStartIngestStop(t *testing.T) {
	r, store, codec := newTestRecorder(t, Config{
		ChunkDuration: time.Hour,
		BufferMode:    ModeStreaming,
		CodecID:       21,
		SampleRate:    16000,
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	codec.cb([]byte{1, 2, 3, 4})
	codec.cb([]byte{5, 6})

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	names, err := store.EnumerateUpt()
	if err != nil {
		t.Fatalf("EnumerateUpt: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("EnumerateUpt = %v, want exactly one unsynced chunk (clock never synced)", names)
	}

	data, err := os.ReadFile(filepath.Join(store.Dir(), names[0]))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	hdr, err := chunkstore.DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	wantDataSize := uint32(2+4) + uint32(2+2) // two length-prefixed frames
	if hdr.DataSize != wantDataSize {
		t.Errorf("DataSize = %d, want %d", hdr.DataSize, wantDataSize)
	}
	if len(data) != chunkstore.HeaderSize+int(wantDataSize) {
		t.Errorf("file length = %d, want %d", len(data), chunkstore.HeaderSize+int(wantDataSize))
	}
}

func TestRecorderDropsOversizeAndEmptyFrames(t *testing.T) {
	r, _, codec := newTestRecorder(t, Config{ChunkDuration: time.Hour, BufferMode: ModeStreaming})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	codec.cb(nil)
	codec.cb(make([]byte, MaxFrameSize+1))

	if got := r.DropCount(); got != 2 {
		t.Errorf("DropCount() = %d, want 2", got)
	}
}

func TestRecorderFlushOnOverflow(t *testing.T) {
	r, store, codec := newTestRecorder(t, Config{
		ChunkDuration: time.Hour,
		BufferMode:    ModeStreaming,
		BufferSize:    16,
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 10; i++ {
		codec.cb([]byte{byte(i), byte(i), byte(i), byte(i), byte(i)})
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	names, err := store.EnumerateUpt()
	if err != nil || len(names) != 1 {
		t.Fatalf("EnumerateUpt() = %v, %v, want exactly one chunk", names, err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), names[0]))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	hdr, _ := chunkstore.DecodeHeader(data)
	if hdr.DataSize != 10*(2+5) {
		t.Errorf("DataSize = %d, want %d", hdr.DataSize, 10*(2+5))
	}
}

func TestRecorderRetimestampOpenFile(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 0 })
	codec := &fakeCodec{}
	r := New(Config{ChunkDuration: time.Hour, BufferMode: ModeStreaming}, store, clock, codec, nil)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	codec.cb([]byte{9, 9})

	corrected, err := r.RetimestampOpenFile(100, 1700000000)
	if err != nil {
		t.Fatalf("RetimestampOpenFile: %v", err)
	}
	if !corrected {
		t.Fatal("expected the open unsynced file to be corrected")
	}

	corrected, err = r.RetimestampOpenFile(200, 1700000100)
	if err != nil {
		t.Fatalf("RetimestampOpenFile (second call): %v", err)
	}
	if corrected {
		t.Fatal("expected no-op once the open file is already synced")
	}
}
