package chunkstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := Header{TS: 1700000000, CodecID: 21, SampleRate: 16000, DataSize: 123456}
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("EncodeHeader length = %d, want %d", len(buf), HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("DecodeHeader round-trip = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := EncodeHeader(Header{TS: 1})
	buf[0] = 'X'
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected error for corrupt magic, got nil")
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer, got nil")
	}
}

func TestNameAndParseNameRoundTrip(t *testing.T) {
	name := Name(42, SuffixBin)
	if name != "0000000042.bin" {
		t.Fatalf("Name() = %q, want 0000000042.bin", name)
	}
	ts, suf, ok := ParseName(name)
	if !ok || ts != 42 || suf != SuffixBin {
		t.Errorf("ParseName(%q) = (%d, %q, %v), want (42, bin, true)", name, ts, suf, ok)
	}
}

func TestParseNameRejectsMalformed(t *testing.T) {
	for _, name := range []string{
		"",
		"short.bin",
		"00000000421.bin",
		"abcdefghij.bin",
		"0000000042.xyz",
		"0000000042xbin",
	} {
		if _, _, ok := ParseName(name); ok {
			t.Errorf("ParseName(%q) = ok, want rejected", name)
		}
	}
}

func TestStorePublishAndEnumerate(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	tmp := s.TmpPath(100)
	if err := os.WriteFile(tmp, EncodeHeader(Header{TS: 100}), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Publish(tmp, Name(100, SuffixBin)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	tmp2 := s.TmpPath(200)
	if err := os.WriteFile(tmp2, EncodeHeader(Header{TS: 200}), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Publish(tmp2, Name(200, SuffixUpt)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	bin, err := s.EnumerateBin()
	if err != nil {
		t.Fatalf("EnumerateBin: %v", err)
	}
	if len(bin) != 1 || bin[0] != "0000000100.bin" {
		t.Errorf("EnumerateBin = %v, want [0000000100.bin]", bin)
	}

	upt, err := s.EnumerateUpt()
	if err != nil {
		t.Fatalf("EnumerateUpt: %v", err)
	}
	if len(upt) != 1 || upt[0] != "0000000200.upt" {
		t.Errorf("EnumerateUpt = %v, want [0000000200.upt]", upt)
	}

	count, err := s.CountBin()
	if err != nil {
		t.Fatalf("CountBin: %v", err)
	}
	if count != 1 {
		t.Errorf("CountBin = %d, want 1", count)
	}
}

func TestStoreUnlinkMissingIsBenign(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Unlink(999); err != nil {
		t.Fatalf("Unlink of missing chunk should be swallowed, got: %v", err)
	}
}

func TestStoreUnlinkRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	path := filepath.Join(dir, Name(5, SuffixBin))
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Unlink(5); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file removed, stat err = %v", err)
	}
}
