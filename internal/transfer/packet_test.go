package transfer

import "testing"

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{
		Type:        PktData,
		ChunkTS:     1700000000,
		ChunkIdx:    3,
		TotalChunks: 10,
		Seq:         2,
		TotalSeqs:   5,
		PayloadLen:  4,
	}
	copy(p.Payload[:], []byte{9, 8, 7, 6})

	buf := p.Encode()
	if len(buf) != PacketSize {
		t.Fatalf("Encode length = %d, want %d", len(buf), PacketSize)
	}

	got, err := DecodePacket(buf[:])
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got != p {
		t.Errorf("round-trip mismatch:\n got  %+v\n want %+v", got, p)
	}
}

func TestDecodePacketRejectsWrongLength(t *testing.T) {
	if _, err := DecodePacket(make([]byte, PacketSize-1)); err == nil {
		t.Fatal("expected error for short buffer, got nil")
	}
	if _, err := DecodePacket(make([]byte, PacketSize+1)); err == nil {
		t.Fatal("expected error for long buffer, got nil")
	}
}

func TestChunkMetaEncodeDecodeRoundTrip(t *testing.T) {
	m := ChunkMeta{DataSize: 75000, CodecID: 21, SampleRate: 16000, CRC32: 0xdeadbeef}
	buf := m.Encode()
	got, err := DecodeChunkMeta(buf[:])
	if err != nil {
		t.Fatalf("DecodeChunkMeta: %v", err)
	}
	if got != m {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestParseControlValidLengths(t *testing.T) {
	cmd, err := ParseControl([]byte{CtrlRequestUpload})
	if err != nil || cmd.Cmd != CtrlRequestUpload {
		t.Fatalf("ParseControl(1-byte) = %+v, %v", cmd, err)
	}

	ackBuf := []byte{CtrlAckChunk, 0, 0, 0, 42}
	cmd, err = ParseControl(ackBuf)
	if err != nil {
		t.Fatalf("ParseControl(5-byte): %v", err)
	}
	if cmd.Cmd != CtrlAckChunk || cmd.TS != 42<<24 {
		t.Errorf("ParseControl(5-byte) = %+v, want Cmd=%d TS=%d", cmd, CtrlAckChunk, uint32(42)<<24)
	}
}

func TestParseControlRejectsInvalidLengths(t *testing.T) {
	for _, n := range []int{0, 2, 3, 4, 6, 10} {
		if _, err := ParseControl(make([]byte, n)); err == nil {
			t.Errorf("ParseControl(len=%d) = nil error, want rejection", n)
		}
	}
}
