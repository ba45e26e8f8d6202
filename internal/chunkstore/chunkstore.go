// Package chunkstore implements spec.md §4.2 and §6: the on-disk chunk file
// format, filename rules, atomic publication, and enumeration. It keeps no
// in-memory index — per spec.md §9's design note, the filesystem is the
// canonical index and this package deliberately does not cache it.
package chunkstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/reclo/reclo/internal/rerr"
)

const (
	// HeaderSize is the fixed chunk file header length in bytes.
	HeaderSize = 17
	// Magic is the 4-byte header tag every chunk file starts with.
	Magic = "RCLO"

	// SuffixTmp marks a chunk file still open for writing.
	SuffixTmp = "tmp"
	// SuffixBin marks a finalized, wall-clock-synced, published chunk.
	SuffixBin = "bin"
	// SuffixUpt marks a finalized chunk whose timestamp is uptime-based.
	SuffixUpt = "upt"

	// NameLength is the only filename length the enumerator recognizes:
	// 10 digits of zero-padded ts plus a dot and a 3-character suffix.
	NameLength = 14
)

// Header is the 17-byte chunk file header: magic, ts, codec_id,
// sample_rate, data_size — all integers little-endian.
type Header struct {
	TS         uint32
	CodecID    uint8
	SampleRate uint32
	DataSize   uint32
}

// EncodeHeader renders h into a 17-byte header buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	putU32(buf[4:8], h.TS)
	buf[8] = h.CodecID
	putU32(buf[9:13], h.SampleRate)
	putU32(buf[13:17], h.DataSize)
	return buf
}

// DecodeHeader parses a 17-byte header buffer, validating the magic.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, rerr.New(rerr.KindCorruptHeader, "chunkstore.DecodeHeader")
	}
	if string(buf[0:4]) != Magic {
		return Header{}, rerr.New(rerr.KindCorruptHeader, "chunkstore.DecodeHeader")
	}
	return Header{
		TS:         getU32(buf[4:8]),
		CodecID:    buf[8],
		SampleRate: getU32(buf[9:13]),
		DataSize:   getU32(buf[13:17]),
	}, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Name renders the published filename for ts under the given suffix
// (SuffixBin, SuffixUpt, or SuffixTmp): ten zero-padded digits, a dot, the
// suffix.
func Name(ts uint32, suffix string) string {
	return fmt.Sprintf("%010d.%s", ts, suffix)
}

// ParseName extracts ts and suffix from a chunk filename, returning ok=false
// for anything that isn't exactly a 10-digit prefix plus a recognized
// suffix — malformed names are ignored silently per spec.md §4.2.
func ParseName(name string) (ts uint32, suffix string, ok bool) {
	if len(name) != NameLength {
		return 0, "", false
	}
	digits := name[0:10]
	dot := name[10]
	suf := name[11:14]
	if dot != '.' {
		return 0, "", false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, "", false
		}
	}
	if suf != SuffixBin && suf != SuffixUpt && suf != SuffixTmp {
		return 0, "", false
	}
	var v uint32
	for _, c := range digits {
		v = v*10 + uint32(c-'0')
	}
	return v, suf, true
}

// Store mediates chunk file publication and enumeration for one storage
// directory. It holds no cache; every operation touches the filesystem.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates a Store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With("subsystem", "chunkstore")}
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the storage directory if absent. Idempotent.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return rerr.Wrap(rerr.KindIO, "chunkstore.EnsureDir", err)
	}
	return nil
}

// TmpPath returns the path a newly-opened chunk file should be created at.
func (s *Store) TmpPath(ts uint32) string {
	return filepath.Join(s.dir, Name(ts, SuffixTmp))
}

// FinalPath returns the path a finalized chunk is published to.
func (s *Store) FinalPath(ts uint32, synced bool) string {
	suffix := SuffixUpt
	if synced {
		suffix = SuffixBin
	}
	return filepath.Join(s.dir, Name(ts, suffix))
}

// Publish atomically renames tmpPath to the file named finalName within the
// store directory — the publication point in spec.md §3's chunk lifecycle.
func (s *Store) Publish(tmpPath, finalName string) error {
	dst := filepath.Join(s.dir, finalName)
	if err := os.Rename(tmpPath, dst); err != nil {
		return rerr.Wrap(rerr.KindIO, "chunkstore.Publish", err)
	}
	return nil
}

// Unlink deletes the .bin file for ts. A missing file is logged and
// swallowed: an ACK for a chunk we no longer hold is benign per spec.md
// §4.2/§7.
func (s *Store) Unlink(ts uint32) error {
	path := filepath.Join(s.dir, Name(ts, SuffixBin))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("unlink of unknown chunk ignored", "ts", ts)
			return nil
		}
		return rerr.Wrap(rerr.KindIO, "chunkstore.Unlink", err)
	}
	return nil
}

// EnumerateBin returns the published, synced chunk filenames, sorted
// ascending (lexicographic order over zero-padded names equals numeric ts
// order, per spec.md §3).
func (s *Store) EnumerateBin() ([]string, error) {
	return s.enumerate(SuffixBin)
}

// EnumerateUpt returns the published-but-unsynced chunk filenames, sorted
// ascending.
func (s *Store) EnumerateUpt() ([]string, error) {
	return s.enumerate(SuffixUpt)
}

// CountBin returns the cardinality of EnumerateBin without allocating the
// full slice's sort overhead more than once.
func (s *Store) CountBin() (int, error) {
	names, err := s.EnumerateBin()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *Store) enumerate(suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(rerr.KindIO, "chunkstore.enumerate", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, suf, ok := ParseName(e.Name())
		if !ok || suf != suffix {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
