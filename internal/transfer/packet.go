// Package transfer implements spec.md §4.5 and §6 (component C5): the
// framed upload protocol between the device and the phone, including its
// fixed-size data packet, the chunk header meta payload, and the inbound
// control commands.
package transfer

import "github.com/reclo/reclo/internal/rerr"

const (
	// PacketSize is the fixed data-channel packet length in bytes.
	PacketSize = 244
	// HeaderFieldsSize is the size of the packet's fixed fields preceding
	// the payload (everything before offset 15).
	HeaderFieldsSize = 15
	// PayloadSize is the usable payload capacity per packet.
	PayloadSize = PacketSize - HeaderFieldsSize // 229

	// MetaSize is the chunk header meta payload size (data_size, codec_id,
	// sample_rate, crc32).
	MetaSize = 13
)

// Packet type tags (offset 0 of a data packet).
const (
	PktHeader = 0x01
	PktData   = 0x02
	PktDone   = 0x03
)

// Control command tags (first byte of an inbound control write).
const (
	CtrlRequestUpload = 0x01
	CtrlAckChunk      = 0x02
	CtrlAbort         = 0x03
)

// GATT identifiers the phone and device agree on. These are external-facing
// constants (spec.md §6) kept stable across firmware revisions; this
// module never touches BLE directly but names them so a real link driver
// has somewhere canonical to read them from.
const (
	ServiceUUID     = "5c7d0001-b5a3-4f43-c0a9-e50e24dc0000"
	DataCharUUID    = "5c7d0001-b5a3-4f43-c0a9-e50e24dc0001"
	ControlCharUUID = "5c7d0001-b5a3-4f43-c0a9-e50e24dc0002"
)

// Packet is one 244-byte data-channel frame.
type Packet struct {
	Type        uint8
	ChunkTS     uint32
	ChunkIdx    uint16
	TotalChunks uint16
	Seq         uint16
	TotalSeqs   uint16
	PayloadLen  uint16
	Payload     [PayloadSize]byte
}

// Encode renders p into a fixed PacketSize buffer, zero-padding any unused
// payload tail.
func (p Packet) Encode() [PacketSize]byte {
	var buf [PacketSize]byte
	buf[0] = p.Type
	putU32(buf[1:5], p.ChunkTS)
	putU16(buf[5:7], p.ChunkIdx)
	putU16(buf[7:9], p.TotalChunks)
	putU16(buf[9:11], p.Seq)
	putU16(buf[11:13], p.TotalSeqs)
	putU16(buf[13:15], p.PayloadLen)
	copy(buf[15:], p.Payload[:])
	return buf
}

// DecodePacket parses a PacketSize buffer into a Packet.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) != PacketSize {
		return Packet{}, rerr.New(rerr.KindInvalidArgument, "transfer.DecodePacket")
	}
	var p Packet
	p.Type = buf[0]
	p.ChunkTS = getU32(buf[1:5])
	p.ChunkIdx = getU16(buf[5:7])
	p.TotalChunks = getU16(buf[7:9])
	p.Seq = getU16(buf[9:11])
	p.TotalSeqs = getU16(buf[11:13])
	p.PayloadLen = getU16(buf[13:15])
	copy(p.Payload[:], buf[15:])
	return p, nil
}

// ChunkMeta is the 13-byte payload of a CHUNK_HEADER packet.
type ChunkMeta struct {
	DataSize   uint32
	CodecID    uint8
	SampleRate uint32
	CRC32      uint32
}

// Encode renders m as a MetaSize buffer.
func (m ChunkMeta) Encode() [MetaSize]byte {
	var buf [MetaSize]byte
	putU32(buf[0:4], m.DataSize)
	buf[4] = m.CodecID
	putU32(buf[5:9], m.SampleRate)
	putU32(buf[9:13], m.CRC32)
	return buf
}

// DecodeChunkMeta parses a MetaSize buffer into a ChunkMeta.
func DecodeChunkMeta(buf []byte) (ChunkMeta, error) {
	if len(buf) < MetaSize {
		return ChunkMeta{}, rerr.New(rerr.KindInvalidArgument, "transfer.DecodeChunkMeta")
	}
	return ChunkMeta{
		DataSize:   getU32(buf[0:4]),
		CodecID:    buf[4],
		SampleRate: getU32(buf[5:9]),
		CRC32:      getU32(buf[9:13]),
	}, nil
}

// ControlCommand is a parsed inbound control write.
type ControlCommand struct {
	Cmd uint8
	TS  uint32 // only meaningful for CtrlAckChunk
}

// ParseControl validates and decodes an inbound control write. Per spec.md
// §6, only lengths 1 and 5 are legal; anything else is an invalid-length
// error the link layer surfaces to the phone. Unknown command bytes are
// accepted (for forward compatibility) with Cmd set and no error, to be
// logged and ignored by the caller.
func ParseControl(data []byte) (ControlCommand, error) {
	switch len(data) {
	case 1:
		return ControlCommand{Cmd: data[0]}, nil
	case 5:
		return ControlCommand{Cmd: data[0], TS: getU32(data[1:5])}, nil
	default:
		return ControlCommand{}, rerr.New(rerr.KindInvalidArgument, "transfer.ParseControl")
	}
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
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
