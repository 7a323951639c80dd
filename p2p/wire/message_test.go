package wire

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func decodeEncoded(t *testing.T, msg Message) Message {
	t.Helper()
	raw, err := EncodeMessage(MagicMainnet, msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Command(), err)
	}
	buf := NewBuffer(MagicMainnet)
	buf.Write(raw)
	frame, ok, err := buf.Next()
	if err != nil || !ok {
		t.Fatalf("parse %s: ok=%v err=%v", msg.Command(), ok, err)
	}
	out, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("decode %s: %v", msg.Command(), err)
	}
	return out
}

func TestHelloRoundTrip(t *testing.T) {
	hello := &Hello{
		Version:        ProtocolVersion,
		Services:       NodeNetwork | NodeDelegated,
		Timestamp:      1700000000,
		Nonce:          0xfeedbeef,
		SubVersion:     "/dnseed:0.1.0/Protocol:0.1.0/",
		StartingHeight: 123456,
	}
	hello.GenesisHash[0] = 0xaa
	hello.GenesisHash[31] = 0x55

	got := decodeEncoded(t, hello)
	if !reflect.DeepEqual(got, hello) {
		t.Fatalf("hello mismatch:\n got %+v\nwant %+v", got, hello)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	msg := &Address{Entries: []AddressEntry{
		{Services: NodeNetwork, Endpoint: NewEndpoint(netip.MustParseAddr("8.8.8.8"), 8806)},
		{Services: NodeNetwork | NodeDelegated, Endpoint: NewEndpoint(netip.MustParseAddr("2001:4860::8888"), 9000)},
	}}
	got, ok := decodeEncoded(t, msg).(*Address)
	if !ok {
		t.Fatalf("unexpected message type")
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Entries))
	}
	for i := range msg.Entries {
		if got.Entries[i] != msg.Entries[i] {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, got.Entries[i], msg.Entries[i])
		}
	}
}

func TestEmptyPayloadMessages(t *testing.T) {
	for _, msg := range []Message{&HelloAck{}, &GetAddress{}, &Address{Entries: []AddressEntry{}}} {
		got := decodeEncoded(t, msg)
		if got.Command() != msg.Command() {
			t.Fatalf("command changed: %s -> %s", msg.Command(), got.Command())
		}
	}
	if pong, ok := decodeEncoded(t, &Pong{Nonce: 42}).(*Pong); !ok || pong.Nonce != 42 {
		t.Fatalf("pong nonce lost")
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	short, err := Encode(MagicMainnet, ChannelNetwork, CmdHello, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _, _ := TryParse(short)
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}

	trailing, err := Encode(MagicMainnet, ChannelNetwork, CmdHelloAck, []byte{0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _, _ = TryParse(trailing)
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrUnexpectedTrailing) {
		t.Fatalf("expected trailing bytes error, got %v", err)
	}

	huge := []byte{0xfd, 0xe9, 0x03} // 1001 entries
	tooMany, err := Encode(MagicMainnet, ChannelNetwork, CmdAddress, huge)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _, _ = TryParse(tooMany)
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected oversize list rejection, got %v", err)
	}

	unknown, err := Encode(MagicMainnet, ChannelNetwork, Command(40), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _, _ = TryParse(unknown)
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected unknown command, got %v", err)
	}

	other, err := Encode(MagicMainnet, ChannelData, CmdHello, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _, _ = TryParse(other)
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected unsupported channel, got %v", err)
	}
}

func TestCompactSizeBoundaries(t *testing.T) {
	for _, n := range []uint64{0, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000} {
		w := &writer{}
		w.compactSize(n)
		r := &reader{buf: w.buf}
		if got := r.compactSize(); got != n || r.err != nil || len(r.buf) != 0 {
			t.Fatalf("compact size %d: got %d err=%v rest=%d", n, got, r.err, len(r.buf))
		}
	}
}
