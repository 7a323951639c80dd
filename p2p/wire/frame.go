package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// HeaderSize is the encoded size of a frame header.
	HeaderSize = 16
	// MaxPayloadSize bounds the declared payload length; frames at or above it are rejected.
	MaxPayloadSize = 0x400000

	headerChecksumOffset = 13
)

// Network magic values.
const (
	MagicMainnet uint32 = 0x3b54beae
	MagicTestnet uint32 = 0xa006c295
)

// Channel identifies the logical stream a frame belongs to.
type Channel uint8

const (
	ChannelNetwork  Channel = 0
	ChannelDelegate Channel = 1
	ChannelData     Channel = 2
	ChannelUser     Channel = 3
)

// Command identifies a message within a channel.
type Command uint8

// Network channel commands.
const (
	CmdHello      Command = 1
	CmdHelloAck   Command = 2
	CmdGetAddress Command = 3
	CmdAddress    Command = 4
	CmdPing       Command = 5
	CmdPong       Command = 6
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "hello"
	case CmdHelloAck:
		return "hello_ack"
	case CmdGetAddress:
		return "get_address"
	case CmdAddress:
		return "address"
	case CmdPing:
		return "ping"
	case CmdPong:
		return "pong"
	default:
		return fmt.Sprintf("cmd_%d", uint8(c))
	}
}

var (
	ErrBadMagic           = errors.New("wire: magic mismatch")
	ErrHeaderChecksum     = errors.New("wire: header checksum mismatch")
	ErrPayloadChecksum    = errors.New("wire: payload checksum mismatch")
	ErrPayloadTooLarge    = errors.New("wire: payload exceeds maximum size")
	ErrTruncatedFrame     = errors.New("wire: truncated frame")
	ErrMalformedPayload   = errors.New("wire: malformed payload")
	ErrUnexpectedTrailing = errors.New("wire: unexpected trailing bytes")
	ErrUnknownCommand     = errors.New("wire: unknown command")
	ErrUnsupportedChannel = errors.New("wire: unsupported channel")
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Magic           uint32
	Type            uint8
	PayloadSize     uint32
	PayloadChecksum uint32
	HeaderChecksum  uint32
}

// Channel returns the channel packed in the type byte.
func (h Header) Channel() Channel { return Channel(h.Type >> 6) }

// Command returns the command packed in the type byte.
func (h Header) Command() Command { return Command(h.Type & 0x3F) }

// Frame is a complete header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// PackType combines channel and command into the header type byte.
func PackType(ch Channel, cmd Command) uint8 {
	return uint8(ch)<<6 | uint8(cmd)&0x3F
}

// PayloadChecksum returns the first 32 bits of the BLAKE2b-256 digest of payload.
func PayloadChecksum(payload []byte) uint32 {
	sum := blake2b.Sum256(payload)
	return binary.LittleEndian.Uint32(sum[:4])
}

// Encode builds a framed message ready to be written to a socket.
func Encode(magic uint32, ch Channel, cmd Command, payload []byte) ([]byte, error) {
	if len(payload) >= MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: %w", cmd, ErrPayloadTooLarge)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	buf[4] = PackType(ch, cmd)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[9:13], PayloadChecksum(payload))
	putUint24(buf[headerChecksumOffset:HeaderSize], CRC24Q(buf[:headerChecksumOffset]))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeHeader parses the header at the start of buf without validating checksums.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncatedFrame
	}
	return Header{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Type:            buf[4],
		PayloadSize:     binary.LittleEndian.Uint32(buf[5:9]),
		PayloadChecksum: binary.LittleEndian.Uint32(buf[9:13]),
		HeaderChecksum:  uint24(buf[headerChecksumOffset:HeaderSize]),
	}, nil
}

// ParseStatus reports the outcome of TryParse.
type ParseStatus int

const (
	ParseIncomplete ParseStatus = iota
	ParseComplete
	ParseInvalid
)

// TryParse inspects the head of buf. It reports ParseComplete together with the
// frame and the number of bytes it spans, ParseIncomplete when more bytes are
// needed, or ParseInvalid when the declared payload length is out of bounds.
// The returned frame aliases buf.
func TryParse(buf []byte) (Frame, int, ParseStatus) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, 0, ParseIncomplete
	}
	if hdr.PayloadSize >= MaxPayloadSize {
		return Frame{}, 0, ParseInvalid
	}
	total := HeaderSize + int(hdr.PayloadSize)
	if len(buf) < total {
		return Frame{}, 0, ParseIncomplete
	}
	return Frame{Header: hdr, Payload: buf[HeaderSize:total]}, total, ParseComplete
}

// Verify checks the magic and both checksums of f.
func Verify(f Frame, expectedMagic uint32) error {
	if f.Header.Magic != expectedMagic {
		return ErrBadMagic
	}
	var raw [HeaderSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], f.Header.Magic)
	raw[4] = f.Header.Type
	binary.LittleEndian.PutUint32(raw[5:9], f.Header.PayloadSize)
	binary.LittleEndian.PutUint32(raw[9:13], f.Header.PayloadChecksum)
	if CRC24Q(raw[:headerChecksumOffset]) != f.Header.HeaderChecksum&0xFFFFFF {
		return ErrHeaderChecksum
	}
	if int(f.Header.PayloadSize) != len(f.Payload) {
		return ErrTruncatedFrame
	}
	if PayloadChecksum(f.Payload) != f.Header.PayloadChecksum {
		return ErrPayloadChecksum
	}
	return nil
}

// Buffer accumulates stream bytes and yields verified frames.
type Buffer struct {
	magic uint32
	data  []byte
}

// NewBuffer returns a reassembly buffer bound to magic.
func NewBuffer(magic uint32) *Buffer {
	return &Buffer{magic: magic}
}

// Write appends raw socket bytes.
func (b *Buffer) Write(p []byte) {
	b.data = append(b.data, p...)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Next returns the next verified frame. ok is false when more bytes are needed.
// Any error leaves the buffer discarded and the caller must close the connection.
// The payload is copied so it survives later writes.
func (b *Buffer) Next() (Frame, bool, error) {
	frame, n, status := TryParse(b.data)
	switch status {
	case ParseIncomplete:
		return Frame{}, false, nil
	case ParseInvalid:
		b.data = nil
		return Frame{}, false, ErrPayloadTooLarge
	}
	if err := Verify(frame, b.magic); err != nil {
		b.data = nil
		return Frame{}, false, err
	}
	frame.Payload = append([]byte(nil), frame.Payload...)
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
	return frame, true, nil
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func uint24(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}
