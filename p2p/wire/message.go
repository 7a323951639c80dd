package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// ProtocolVersion is advertised in outgoing Hello messages.
	ProtocolVersion int32 = 100
	// MinProtocolVersion is the oldest peer version accepted.
	MinProtocolVersion int32 = 100
	// MaxAddressEntries bounds a decoded Address payload.
	MaxAddressEntries = 1000
	// MaxSubVersionLength bounds the Hello subversion string.
	MaxSubVersionLength = 256
)

// Message is a decoded network channel payload.
type Message interface {
	Command() Command
	encode(w *writer)
}

// Hello opens the handshake in both directions.
type Hello struct {
	Version        int32
	Services       uint64
	Timestamp      int64
	Nonce          uint64
	SubVersion     string
	StartingHeight int32
	GenesisHash    [32]byte
}

// HelloAck completes an inbound handshake.
type HelloAck struct{}

// GetAddress asks the peer for addresses it knows.
type GetAddress struct{}

// AddressEntry is one advertised address.
type AddressEntry struct {
	Services uint64
	Endpoint Endpoint
}

// Address carries advertised peer addresses.
type Address struct {
	Entries []AddressEntry
}

// Ping is a keepalive carrying a nonce.
type Ping struct{ Nonce uint64 }

// Pong echoes the nonce of a Ping.
type Pong struct{ Nonce uint64 }

func (*Hello) Command() Command      { return CmdHello }
func (*HelloAck) Command() Command   { return CmdHelloAck }
func (*GetAddress) Command() Command { return CmdGetAddress }
func (*Address) Command() Command    { return CmdAddress }
func (*Ping) Command() Command       { return CmdPing }
func (*Pong) Command() Command       { return CmdPong }

func (m *Hello) encode(w *writer) {
	w.u32(uint32(m.Version))
	w.u64(m.Services)
	w.u64(uint64(m.Timestamp))
	w.u64(m.Nonce)
	w.str(m.SubVersion)
	w.u32(uint32(m.StartingHeight))
	w.bytes(m.GenesisHash[:])
}

func (*HelloAck) encode(*writer)   {}
func (*GetAddress) encode(*writer) {}

func (m *Address) encode(w *writer) {
	w.compactSize(uint64(len(m.Entries)))
	for _, entry := range m.Entries {
		w.u64(entry.Services)
		var ep [EndpointSize]byte
		entry.Endpoint.put(ep[:])
		w.bytes(ep[:])
	}
}

func (m *Ping) encode(w *writer) { w.u64(m.Nonce) }
func (m *Pong) encode(w *writer) { w.u64(m.Nonce) }

// EncodeMessage serialises msg into a network channel frame.
func EncodeMessage(magic uint32, msg Message) ([]byte, error) {
	w := &writer{}
	msg.encode(w)
	return Encode(magic, ChannelNetwork, msg.Command(), w.buf)
}

// DecodeMessage decodes a verified network channel frame.
func DecodeMessage(f Frame) (Message, error) {
	if f.Header.Channel() != ChannelNetwork {
		return nil, fmt.Errorf("channel %d: %w", f.Header.Channel(), ErrUnsupportedChannel)
	}
	r := &reader{buf: f.Payload}
	var msg Message
	switch cmd := f.Header.Command(); cmd {
	case CmdHello:
		m := &Hello{}
		m.Version = int32(r.u32())
		m.Services = r.u64()
		m.Timestamp = int64(r.u64())
		m.Nonce = r.u64()
		m.SubVersion = r.str(MaxSubVersionLength)
		m.StartingHeight = int32(r.u32())
		copy(m.GenesisHash[:], r.bytes(32))
		msg = m
	case CmdHelloAck:
		msg = &HelloAck{}
	case CmdGetAddress:
		msg = &GetAddress{}
	case CmdAddress:
		m := &Address{}
		count := r.compactSize()
		if count > MaxAddressEntries {
			return nil, fmt.Errorf("address list of %d entries: %w", count, ErrMalformedPayload)
		}
		m.Entries = make([]AddressEntry, 0, count)
		for i := uint64(0); i < count && r.err == nil; i++ {
			services := r.u64()
			raw := r.bytes(EndpointSize)
			if r.err != nil {
				break
			}
			var ep Endpoint
			if err := ep.UnmarshalBinary(raw); err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, AddressEntry{Services: services, Endpoint: ep})
		}
		msg = m
	case CmdPing:
		msg = &Ping{Nonce: r.u64()}
	case CmdPong:
		msg = &Pong{Nonce: r.u64()}
	default:
		return nil, fmt.Errorf("%s: %w", cmd, ErrUnknownCommand)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Header.Command(), r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decode %s: %w", f.Header.Command(), ErrUnexpectedTrailing)
	}
	return msg, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *writer) str(s string) {
	w.compactSize(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) compactSize(n uint64) {
	switch {
	case n < 0xfd:
		w.buf = append(w.buf, byte(n))
	case n <= math.MaxUint16:
		w.buf = append(w.buf, 0xfd)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(n))
	case n <= math.MaxUint32:
		w.buf = append(w.buf, 0xfe)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
	default:
		w.buf = append(w.buf, 0xff)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, n)
	}
}

// reader records the first short read and returns zero values afterwards.
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = ErrMalformedPayload
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) compactSize() uint64 {
	switch tag := r.u8(); tag {
	case 0xfd:
		return uint64(r.u16())
	case 0xfe:
		return uint64(r.u32())
	case 0xff:
		return r.u64()
	default:
		return uint64(tag)
	}
}

func (r *reader) str(limit int) string {
	n := r.compactSize()
	if r.err != nil {
		return ""
	}
	if n > uint64(limit) {
		r.err = ErrMalformedPayload
		return ""
	}
	return string(r.bytes(int(n)))
}
