package wire

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestCRC24QCheckValue(t *testing.T) {
	if got := CRC24Q([]byte("123456789")); got != 0xCDE703 {
		t.Fatalf("unexpected crc24q check value: got %06x", got)
	}
	if got := CRC24Q(nil); got != 0 {
		t.Fatalf("expected zero crc for empty input, got %06x", got)
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	frame, err := Encode(MagicMainnet, ChannelNetwork, CmdGetAddress, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != HeaderSize {
		t.Fatalf("expected %d byte frame, got %d", HeaderSize, len(frame))
	}
	if !bytes.Equal(frame[:4], []byte{0xae, 0xbe, 0x54, 0x3b}) {
		t.Fatalf("magic not little-endian: %x", frame[:4])
	}
	if frame[4] != 0x03 {
		t.Fatalf("unexpected type byte %#x", frame[4])
	}
	hdr, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.HeaderChecksum != CRC24Q(frame[:13]) {
		t.Fatalf("header checksum mismatch")
	}
}

func TestPackTypeChannelBits(t *testing.T) {
	typ := PackType(ChannelUser, CmdPong)
	hdr := Header{Type: typ}
	if hdr.Channel() != ChannelUser || hdr.Command() != CmdPong {
		t.Fatalf("unexpected unpack: channel=%d command=%d", hdr.Channel(), hdr.Command())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(rt, "payload")
		ch := Channel(rapid.IntRange(0, 3).Draw(rt, "channel"))
		cmd := Command(rapid.IntRange(0, 63).Draw(rt, "command"))

		encoded, err := Encode(MagicTestnet, ch, cmd, payload)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		frame, n, status := TryParse(encoded)
		if status != ParseComplete || n != len(encoded) {
			rt.Fatalf("expected complete parse of %d bytes, got status=%d n=%d", len(encoded), status, n)
		}
		if err := Verify(frame, MagicTestnet); err != nil {
			rt.Fatalf("verify: %v", err)
		}
		if frame.Header.Channel() != ch || frame.Header.Command() != cmd {
			rt.Fatalf("channel/command changed")
		}
		if !bytes.Equal(frame.Payload, payload) {
			rt.Fatalf("payload changed")
		}
	})
}

func TestVerifyDetectsTampering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "payload")
		encoded, err := Encode(MagicMainnet, ChannelNetwork, CmdAddress, payload)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		// Bytes 5..8 hold the payload length; flipping them changes framing
		// rather than content, so tamper with any other byte.
		pos := rapid.IntRange(0, len(encoded)-1).Filter(func(i int) bool {
			return i < 5 || i > 8
		}).Draw(rt, "pos")
		bit := byte(1) << rapid.IntRange(0, 7).Draw(rt, "bit")
		tampered := append([]byte(nil), encoded...)
		tampered[pos] ^= bit

		frame, _, status := TryParse(tampered)
		if status != ParseComplete {
			rt.Fatalf("unexpected parse status %d", status)
		}
		if err := Verify(frame, MagicMainnet); err == nil {
			rt.Fatalf("tampered byte %d went undetected", pos)
		}
	})
}

func TestVerifyErrorKinds(t *testing.T) {
	encoded, err := Encode(MagicMainnet, ChannelNetwork, CmdPing, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := []struct {
		name string
		pos  int
		want error
	}{
		{"magic", 0, ErrBadMagic},
		{"type", 4, ErrHeaderChecksum},
		{"payload checksum", 10, ErrHeaderChecksum},
		{"header checksum", 14, ErrHeaderChecksum},
		{"payload", HeaderSize + 3, ErrPayloadChecksum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tampered := append([]byte(nil), encoded...)
			tampered[tc.pos] ^= 0x01
			frame, _, status := TryParse(tampered)
			if status != ParseComplete {
				t.Fatalf("unexpected status %d", status)
			}
			if err := Verify(frame, MagicMainnet); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestTryParseIncompleteAndOversize(t *testing.T) {
	encoded, err := Encode(MagicMainnet, ChannelNetwork, CmdPing, make([]byte, 8))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for cut := 0; cut < len(encoded); cut++ {
		if _, _, status := TryParse(encoded[:cut]); status != ParseIncomplete {
			t.Fatalf("expected incomplete at %d bytes, got %d", cut, status)
		}
	}

	oversize := append([]byte(nil), encoded[:HeaderSize]...)
	oversize[5], oversize[6], oversize[7], oversize[8] = 0x00, 0x00, 0x40, 0x00
	if _, _, status := TryParse(oversize); status != ParseInvalid {
		t.Fatalf("expected invalid for declared size at maximum, got %d", status)
	}

	if _, err := Encode(MagicMainnet, ChannelNetwork, CmdAddress, make([]byte, MaxPayloadSize)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected encode to reject oversize payload, got %v", err)
	}
}

func TestBufferYieldsMultipleFramesFromOneRead(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		frame, err := Encode(MagicMainnet, ChannelNetwork, CmdPing, []byte{byte(i), 0, 0, 0, 0, 0, 0, 0})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, frame...)
	}
	// Split the stream in the middle of the last frame.
	buf := NewBuffer(MagicMainnet)
	buf.Write(stream[:len(stream)-4])
	for i := 0; i < 2; i++ {
		frame, ok, err := buf.Next()
		if err != nil || !ok {
			t.Fatalf("frame %d: ok=%v err=%v", i, ok, err)
		}
		if frame.Payload[0] != byte(i) {
			t.Fatalf("frame %d out of order", i)
		}
	}
	if _, ok, err := buf.Next(); ok || err != nil {
		t.Fatalf("expected incomplete third frame, ok=%v err=%v", ok, err)
	}
	buf.Write(stream[len(stream)-4:])
	frame, ok, err := buf.Next()
	if err != nil || !ok || frame.Payload[0] != 2 {
		t.Fatalf("third frame: ok=%v err=%v", ok, err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected drained buffer, %d bytes left", buf.Len())
	}
}

func TestBufferDiscardsOnBadMagic(t *testing.T) {
	frame, err := Encode(MagicTestnet, ChannelNetwork, CmdHelloAck, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf := NewBuffer(MagicMainnet)
	buf.Write(frame)
	if _, _, err := buf.Next(); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer should be discarded after a failed frame")
	}
}
