package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"dnseed/p2p/wire"
)

const defaultProbeTimeout = 30 * time.Second

// ProbeConfig configures a one-shot handshake against a single node.
type ProbeConfig struct {
	Magic       uint32
	GenesisHash [32]byte
	// StartingHeight is advertised in our Hello.
	StartingHeight int32
	Timeout        time.Duration
	Dialer         *net.Dialer
}

// ProbeResult is what a node told us about itself and its peers.
type ProbeResult struct {
	Remote         wire.Endpoint
	Version        int32
	Services       uint64
	StartingHeight int32
	SubVersion     string
	TimeDelta      time.Duration
	Addresses      []wire.AddressEntry
}

// Probe dials remote, completes the outbound handshake and returns the first
// address list the node sends. It follows the same message sequence as an
// outbound session driven by the dispatcher.
func Probe(ctx context.Context, remote wire.Endpoint, cfg ProbeConfig) (*ProbeResult, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	nc, err := dialer.DialContext(ctx, remote.Network(), remote.Dial())
	if err != nil {
		return nil, fmt.Errorf("p2p: probe dial %s: %w", remote, err)
	}
	defer nc.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	defer stop()

	s := &probeSession{nc: nc, magic: cfg.Magic, buf: wire.NewBuffer(cfg.Magic)}
	sentAt := time.Now()
	if err := s.send(&wire.Hello{
		Version:        wire.ProtocolVersion,
		Services:       wire.NodeNetwork,
		Timestamp:      sentAt.Unix(),
		Nonce:          rand.Uint64(),
		SubVersion:     SubVersion,
		StartingHeight: cfg.StartingHeight,
		GenesisHash:    cfg.GenesisHash,
	}); err != nil {
		return nil, err
	}

	result := &ProbeResult{Remote: remote}
	handshaked := false
	for {
		msg, err := s.next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("p2p: probe %s: %w", remote, ctx.Err())
			}
			return nil, err
		}
		switch m := msg.(type) {
		case *wire.Hello:
			if handshaked {
				return nil, fmt.Errorf("duplicate hello: %w", ErrProtocolViolation)
			}
			if err := validateHello(m, cfg.GenesisHash); err != nil {
				return nil, err
			}
			now := time.Now()
			handshaked = true
			result.Version = m.Version
			result.Services = m.Services
			result.StartingHeight = m.StartingHeight
			result.SubVersion = m.SubVersion
			result.TimeDelta = time.Unix(m.Timestamp, 0).Sub(now) + now.Sub(sentAt)/2
			if err := s.send(&wire.HelloAck{}); err != nil {
				return nil, err
			}
			if err := s.send(&wire.GetAddress{}); err != nil {
				return nil, err
			}
		case *wire.GetAddress:
			if err := s.send(&wire.Address{}); err != nil {
				return nil, err
			}
		case *wire.Address:
			if !handshaked {
				return nil, fmt.Errorf("address before hello: %w", ErrProtocolViolation)
			}
			result.Addresses = m.Entries
			return result, nil
		case *wire.Ping:
			if err := s.send(&wire.Pong{Nonce: m.Nonce}); err != nil {
				return nil, err
			}
		case *wire.Pong:
		default:
			return nil, fmt.Errorf("%s during probe: %w", msg.Command(), ErrProtocolViolation)
		}
	}
}

type probeSession struct {
	nc    net.Conn
	magic uint32
	buf   *wire.Buffer
	chunk [defaultReadBufferSize]byte
}

func (s *probeSession) send(msg wire.Message) error {
	frame, err := wire.EncodeMessage(s.magic, msg)
	if err != nil {
		return err
	}
	if _, err := s.nc.Write(frame); err != nil {
		return fmt.Errorf("p2p: probe write %s: %w", msg.Command(), err)
	}
	return nil
}

// next blocks until a network channel message arrives.
func (s *probeSession) next() (wire.Message, error) {
	for {
		frame, ok, err := s.buf.Next()
		if err != nil {
			return nil, fmt.Errorf("frame: %v: %w", err, ErrProtocolViolation)
		}
		if ok {
			msg, err := wire.DecodeMessage(frame)
			if errors.Is(err, wire.ErrUnsupportedChannel) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("decode: %v: %w", err, ErrProtocolViolation)
			}
			return msg, nil
		}
		n, err := s.nc.Read(s.chunk[:])
		if n > 0 {
			s.buf.Write(s.chunk[:n])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("p2p: probe read: %w", err)
		}
	}
}
