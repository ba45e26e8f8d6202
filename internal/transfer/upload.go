package transfer

import (
	"context"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/link"
	"github.com/reclo/reclo/internal/rerr"
)

// NMax is the per-batch enumeration cap from spec.md §5's resource limits
// (chunks beyond it are handled on the next batch).
const NMax = 64

// Config tunes the upload worker's inter-packet pacing. The reference
// cadence from spec.md §4.5 is ~8ms between data packets and ~20ms between
// chunks; pacing is a soft property, so a test transport can pass very
// short intervals to run uncapped.
type Config struct {
	DataPacketInterval time.Duration
	ChunkInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataPacketInterval <= 0 {
		c.DataPacketInterval = 8 * time.Millisecond
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 20 * time.Millisecond
	}
	return c
}

// Uploader runs the upload batch algorithm of spec.md §4.5 against a
// chunkstore.Store and a link.DataNotifier. Pacing uses token-bucket rate
// limiters (golang.org/x/time/rate) in place of the firmware's hard-coded
// sleeps — the same package internal/pushgw/ratelimit.go uses for
// per-license-key request limiting.
type Uploader struct {
	store    *chunkstore.Store
	notifier link.DataNotifier
	logger   *slog.Logger

	dataLimiter  *rate.Limiter
	chunkLimiter *rate.Limiter
}

// New creates an Uploader.
func New(store *chunkstore.Store, notifier link.DataNotifier, cfg Config, logger *slog.Logger) *Uploader {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:        store,
		notifier:     notifier,
		logger:       logger.With("subsystem", "transfer.upload"),
		dataLimiter:  rate.NewLimiter(rate.Every(cfg.DataPacketInterval), 1),
		chunkLimiter: rate.NewLimiter(rate.Every(cfg.ChunkInterval), 1),
	}
}

// RunBatch enumerates published chunks and uploads them in ascending ts
// order, per spec.md §4.5's upload batch algorithm. active is polled
// between packets and between chunks; when it reports false the batch
// stops without sending UPLOAD_DONE (ABORT/disconnect semantics).
func (u *Uploader) RunBatch(ctx context.Context, active func() bool) error {
	names, err := u.store.EnumerateBin()
	if err != nil {
		return err
	}
	if len(names) > NMax {
		names = names[:NMax]
	}

	totalChunks := uint16(len(names))
	if totalChunks == 0 {
		return u.sendDone(0)
	}

	for idx, name := range names {
		if !active() {
			return rerr.New(rerr.KindCanceled, "transfer.RunBatch")
		}
		if err := ctx.Err(); err != nil {
			return rerr.Wrap(rerr.KindCanceled, "transfer.RunBatch", err)
		}

		ts, _, ok := chunkstore.ParseName(name)
		if !ok {
			continue
		}
		path := filepath.Join(u.store.Dir(), name)

		meta, err := u.readChunkMeta(path)
		if err != nil {
			u.logger.Error("skipping unreadable chunk", "file", name, "error", err)
			continue
		}
		if meta.DataSize == 0 {
			u.logger.Info("skipping empty chunk", "file", name)
			continue
		}

		err = u.sendChunk(ctx, uint16(idx), totalChunks, ts, meta, path, active)
		if rerr.Is(err, rerr.KindCanceled) || rerr.Is(err, rerr.KindNotConnected) {
			return err
		}
		if err != nil {
			u.logger.Error("chunk upload failed, continuing with next", "file", name, "error", err)
		}
	}

	if !active() {
		return rerr.New(rerr.KindCanceled, "transfer.RunBatch")
	}
	return u.sendDone(totalChunks)
}

// readChunkMeta reads the 17-byte header, recovering data_size from file
// size when it is zero (spec.md §4.5 step 3b, the power-loss case also
// present in original_source/omi/.../reclo_transfer.c), and computes the
// CRC-32 over the body with a second pass.
func (u *Uploader) readChunkMeta(path string) (ChunkMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChunkMeta{}, rerr.Wrap(rerr.KindIO, "transfer.readChunkMeta", err)
	}
	defer f.Close()

	var hdrBuf [chunkstore.HeaderSize]byte
	if _, err := io.ReadFull(f, hdrBuf[:]); err != nil {
		return ChunkMeta{}, rerr.Wrap(rerr.KindCorruptHeader, "transfer.readChunkMeta", err)
	}
	hdr, err := chunkstore.DecodeHeader(hdrBuf[:])
	if err != nil {
		return ChunkMeta{}, err
	}

	dataSize := hdr.DataSize
	if dataSize == 0 {
		info, err := f.Stat()
		if err != nil {
			return ChunkMeta{}, rerr.Wrap(rerr.KindIO, "transfer.readChunkMeta", err)
		}
		size := info.Size() - chunkstore.HeaderSize
		if size < 0 {
			size = 0
		}
		dataSize = uint32(size)
	}
	if dataSize == 0 {
		return ChunkMeta{}, rerr.New(rerr.KindNotFound, "transfer.readChunkMeta")
	}

	crc, err := crcOverBody(path, dataSize)
	if err != nil {
		return ChunkMeta{}, err
	}

	return ChunkMeta{
		DataSize:   dataSize,
		CodecID:    hdr.CodecID,
		SampleRate: hdr.SampleRate,
		CRC32:      crc,
	}, nil
}

func crcOverBody(path string, dataSize uint32) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, rerr.Wrap(rerr.KindIO, "transfer.crcOverBody", err)
	}
	defer f.Close()

	if _, err := f.Seek(chunkstore.HeaderSize, io.SeekStart); err != nil {
		return 0, rerr.Wrap(rerr.KindIO, "transfer.crcOverBody", err)
	}
	h := crc32.New(crc32.IEEETable)
	if _, err := io.CopyN(h, f, int64(dataSize)); err != nil {
		return 0, rerr.Wrap(rerr.KindIO, "transfer.crcOverBody", err)
	}
	return h.Sum32(), nil
}

func (u *Uploader) sendChunk(ctx context.Context, idx, totalChunks uint16, ts uint32, meta ChunkMeta, path string, active func() bool) error {
	dataSeqs := uint16((meta.DataSize + PayloadSize - 1) / PayloadSize)
	totalSeqs := dataSeqs + 1

	metaBuf := meta.Encode()
	header := Packet{
		Type:        PktHeader,
		ChunkTS:     ts,
		ChunkIdx:    idx,
		TotalChunks: totalChunks,
		Seq:         0,
		TotalSeqs:   totalSeqs,
		PayloadLen:  MetaSize,
	}
	copy(header.Payload[:], metaBuf[:])
	if err := u.send(header); err != nil {
		return err
	}
	if err := u.chunkLimiter.Wait(ctx); err != nil {
		return rerr.Wrap(rerr.KindCanceled, "transfer.sendChunk", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "transfer.sendChunk", err)
	}
	defer f.Close()
	if _, err := f.Seek(chunkstore.HeaderSize, io.SeekStart); err != nil {
		return rerr.Wrap(rerr.KindIO, "transfer.sendChunk", err)
	}

	remaining := meta.DataSize
	buf := make([]byte, PayloadSize)
	for seq := uint16(1); seq <= dataSeqs; seq++ {
		if !active() {
			return rerr.New(rerr.KindCanceled, "transfer.sendChunk")
		}
		n := remaining
		if n > PayloadSize {
			n = PayloadSize
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return rerr.Wrap(rerr.KindIO, "transfer.sendChunk", err)
		}
		remaining -= n

		pkt := Packet{
			Type:        PktData,
			ChunkTS:     ts,
			ChunkIdx:    idx,
			TotalChunks: totalChunks,
			Seq:         seq,
			TotalSeqs:   totalSeqs,
			PayloadLen:  uint16(n),
		}
		copy(pkt.Payload[:], buf[:n])
		if err := u.send(pkt); err != nil {
			return err
		}
		if err := u.dataLimiter.Wait(ctx); err != nil {
			return rerr.Wrap(rerr.KindCanceled, "transfer.sendChunk", err)
		}
	}
	return nil
}

func (u *Uploader) send(p Packet) error {
	buf := p.Encode()
	if err := u.notifier.Notify(buf[:]); err != nil {
		return rerr.Wrap(rerr.KindNotConnected, "transfer.send", err)
	}
	return nil
}

func (u *Uploader) sendDone(totalChunks uint16) error {
	pkt := Packet{Type: PktDone, TotalChunks: totalChunks}
	return u.send(pkt)
}
