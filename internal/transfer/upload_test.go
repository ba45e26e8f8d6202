package transfer

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reclo/reclo/internal/chunkstore"
)

type fakeNotifier struct {
	packets []Packet
}

func (f *fakeNotifier) Notify(buf []byte) error {
	p, err := DecodePacket(buf)
	if err != nil {
		return err
	}
	f.packets = append(f.packets, p)
	return nil
}

func writeBinChunk(t *testing.T, store *chunkstore.Store, ts uint32, body []byte) {
	t.Helper()
	hdr := chunkstore.EncodeHeader(chunkstore.Header{TS: ts, CodecID: 21, SampleRate: 16000, DataSize: uint32(len(body))})
	path := filepath.Join(store.Dir(), chunkstore.Name(ts, chunkstore.SuffixBin))
	if err := os.WriteFile(path, append(hdr, body...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func alwaysActive() bool { return true }

func TestRunBatchSendsHeaderDataAndDone(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	body := make([]byte, PayloadSize+10)
	for i := range body {
		body[i] = byte(i)
	}
	writeBinChunk(t, store, 100, body)

	notifier := &fakeNotifier{}
	up := New(store, notifier, Config{DataPacketInterval: time.Microsecond, ChunkInterval: time.Microsecond}, nil)

	if err := up.RunBatch(context.Background(), alwaysActive); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if len(notifier.packets) < 3 {
		t.Fatalf("got %d packets, want header + 2 data + done", len(notifier.packets))
	}

	header := notifier.packets[0]
	if header.Type != PktHeader {
		t.Fatalf("first packet type = %d, want PktHeader", header.Type)
	}
	meta, err := DecodeChunkMeta(header.Payload[:])
	if err != nil {
		t.Fatalf("DecodeChunkMeta: %v", err)
	}
	if meta.DataSize != uint32(len(body)) {
		t.Errorf("meta.DataSize = %d, want %d", meta.DataSize, len(body))
	}
	wantCRC := crc32.Checksum(body, crc32.IEEETable)
	if meta.CRC32 != wantCRC {
		t.Errorf("meta.CRC32 = %x, want %x", meta.CRC32, wantCRC)
	}

	last := notifier.packets[len(notifier.packets)-1]
	if last.Type != PktDone {
		t.Errorf("last packet type = %d, want PktDone", last.Type)
	}

	var reassembled []byte
	for _, p := range notifier.packets[1 : len(notifier.packets)-1] {
		reassembled = append(reassembled, p.Payload[:p.PayloadLen]...)
	}
	if string(reassembled) != string(body) {
		t.Error("reassembled data packets do not match the original chunk body")
	}
}

func TestRunBatchWithNoChunksSendsDoneOnly(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	notifier := &fakeNotifier{}
	up := New(store, notifier, Config{}, nil)

	if err := up.RunBatch(context.Background(), alwaysActive); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(notifier.packets) != 1 || notifier.packets[0].Type != PktDone {
		t.Fatalf("packets = %+v, want exactly one PktDone", notifier.packets)
	}
}

func TestRunBatchStopsWhenInactive(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	writeBinChunk(t, store, 1, make([]byte, 10))
	notifier := &fakeNotifier{}
	up := New(store, notifier, Config{}, nil)

	if err := up.RunBatch(context.Background(), func() bool { return false }); err == nil {
		t.Fatal("expected a canceled error when active() reports false immediately")
	}
}

func TestReadChunkMetaRecoversZeroedDataSize(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, nil)
	body := []byte{1, 2, 3, 4, 5}
	hdr := chunkstore.EncodeHeader(chunkstore.Header{TS: 1, CodecID: 21, SampleRate: 16000, DataSize: 0})
	path := filepath.Join(store.Dir(), chunkstore.Name(1, chunkstore.SuffixBin))
	if err := os.WriteFile(path, append(hdr, body...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	up := New(store, &fakeNotifier{}, Config{}, nil)
	meta, err := up.readChunkMeta(path)
	if err != nil {
		t.Fatalf("readChunkMeta: %v", err)
	}
	if meta.DataSize != uint32(len(body)) {
		t.Errorf("recovered DataSize = %d, want %d", meta.DataSize, len(body))
	}
}
