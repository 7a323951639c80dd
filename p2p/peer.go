package p2p

import (
	"errors"
	"fmt"
	"time"

	"dnseed/p2p/addrpool"
	"dnseed/p2p/wire"
)

// PeerConfig is shared by every session a worker drives.
type PeerConfig struct {
	Magic             uint32
	Pool              *addrpool.Pool
	DefaultPort       uint16
	AddressesPerReply int
	AllowAllAddresses bool
	// GenesisHash, when non-zero, must match the remote Hello.
	GenesisHash [32]byte
}

// Peer is the handshake state machine for one connection. It is driven by a
// single worker goroutine and is not safe for concurrent use.
type Peer struct {
	id  NetID
	cfg *PeerConfig
	out Sender

	state PeerState
	since time.Time

	remote wire.Endpoint
	local  wire.Endpoint

	version    int32
	services   uint64
	nonce      uint64
	height     int32
	subVersion string

	timeDelta   time.Duration
	helloSentAt time.Time

	buf      *wire.Buffer
	received int
}

func newInboundPeer(id NetID, remote, local wire.Endpoint, cfg *PeerConfig, out Sender, now time.Time) *Peer {
	return &Peer{
		id:     id,
		cfg:    cfg,
		out:    out,
		state:  StateInConnected,
		since:  now,
		remote: remote,
		local:  local,
		buf:    wire.NewBuffer(cfg.Magic),
	}
}

func newOutboundPeer(id NetID, remote wire.Endpoint, cfg *PeerConfig, out Sender, now time.Time) *Peer {
	return &Peer{
		id:     id,
		cfg:    cfg,
		out:    out,
		state:  StateOutConnecting,
		since:  now,
		remote: remote,
		buf:    wire.NewBuffer(cfg.Magic),
	}
}

// ID returns the connection handle.
func (p *Peer) ID() NetID { return p.id }

// State returns the current handshake step.
func (p *Peer) State() PeerState { return p.state }

// Remote returns the remote endpoint.
func (p *Peer) Remote() wire.Endpoint { return p.remote }

// Height returns the starting height the remote advertised.
func (p *Peer) Height() int32 { return p.height }

// TimeDelta returns the estimated remote clock offset.
func (p *Peer) TimeDelta() time.Duration { return p.timeDelta }

// SubVersion returns the remote user agent.
func (p *Peer) SubVersion() string { return p.subVersion }

// AddressesReceived counts the addresses ingested from the remote.
func (p *Peer) AddressesReceived() int { return p.received }

func (p *Peer) setState(s PeerState, now time.Time) {
	p.state = s
	p.since = now
}

// Expired reports whether the session overstayed its current state.
func (p *Peer) Expired(now time.Time) bool {
	return now.Sub(p.since) >= p.state.Timeout()
}

// Connected handles a successful outbound dial: the session sends its Hello
// and waits for the remote one.
func (p *Peer) Connected(local wire.Endpoint, now time.Time) error {
	if p.state != StateOutConnecting {
		return fmt.Errorf("connect completion in %s: %w", p.state, ErrProtocolViolation)
	}
	p.local = local
	p.setState(StateOutConnected, now)
	if err := p.sendHello(now); err != nil {
		return err
	}
	p.setState(StateOutWaitHello, now)
	return nil
}

// Receive feeds socket bytes into the reassembly buffer and handles every
// complete frame. Any error means the connection must be closed.
func (p *Peer) Receive(data []byte, now time.Time) error {
	if p.state == StateOutConnecting {
		return fmt.Errorf("data before connect completion: %w", ErrProtocolViolation)
	}
	p.buf.Write(data)
	for {
		frame, ok, err := p.buf.Next()
		if err != nil {
			return fmt.Errorf("frame: %v: %w", err, ErrProtocolViolation)
		}
		if !ok {
			return nil
		}
		msg, err := wire.DecodeMessage(frame)
		if errors.Is(err, wire.ErrUnsupportedChannel) {
			continue
		}
		if err != nil {
			return fmt.Errorf("decode: %v: %w", err, ErrProtocolViolation)
		}
		metrics().recordFrame("in", msg.Command())
		if err := p.handle(msg, now); err != nil {
			return err
		}
	}
}

func (p *Peer) handle(msg wire.Message, now time.Time) error {
	switch m := msg.(type) {
	case *wire.Hello:
		return p.onHello(m, now)
	case *wire.HelloAck:
		return p.onHelloAck(now)
	case *wire.GetAddress:
		return p.sendAddresses()
	case *wire.Address:
		return p.onAddress(m, now)
	case *wire.Ping:
		if !p.state.Handshaked() {
			return p.unexpected(msg)
		}
		return p.send(&wire.Pong{Nonce: m.Nonce})
	case *wire.Pong:
		if !p.state.Handshaked() {
			return p.unexpected(msg)
		}
		return nil
	default:
		return p.unexpected(msg)
	}
}

func (p *Peer) unexpected(msg wire.Message) error {
	return fmt.Errorf("%s in %s: %w", msg.Command(), p.state, ErrProtocolViolation)
}

func (p *Peer) onHello(m *wire.Hello, now time.Time) error {
	if p.version != 0 {
		return fmt.Errorf("duplicate hello: %w", ErrProtocolViolation)
	}
	if p.state != StateInConnected && p.state != StateOutWaitHello {
		return p.unexpected(m)
	}
	if err := p.checkHello(m); err != nil {
		return err
	}
	p.version = m.Version
	p.services = m.Services
	p.nonce = m.Nonce
	p.height = m.StartingHeight
	p.subVersion = m.SubVersion
	p.timeDelta = time.Unix(m.Timestamp, 0).Sub(now)

	if p.state == StateInConnected {
		if err := p.sendHello(now); err != nil {
			return err
		}
		p.setState(StateInWaitHelloAck, now)
		return nil
	}

	p.timeDelta += now.Sub(p.helloSentAt) / 2
	p.setState(StateOutHandshakeComplete, now)
	p.reportHandshake()
	if err := p.send(&wire.HelloAck{}); err != nil {
		return err
	}
	if err := p.send(&wire.GetAddress{}); err != nil {
		return err
	}
	p.setState(StateOutWaitAddress, now)
	return nil
}

func (p *Peer) checkHello(m *wire.Hello) error {
	return validateHello(m, p.cfg.GenesisHash)
}

// validateHello applies the admission rules for a remote Hello. A zero
// genesis hash accepts any chain.
func validateHello(m *wire.Hello, genesis [32]byte) error {
	if m.Version < wire.MinProtocolVersion {
		return fmt.Errorf("protocol version %d: %w", m.Version, ErrProtocolViolation)
	}
	if m.Services&wire.NodeNetwork == 0 {
		return fmt.Errorf("services %#x lack NODE_NETWORK: %w", m.Services, ErrProtocolViolation)
	}
	if genesis != ([32]byte{}) && m.GenesisHash != genesis {
		return fmt.Errorf("genesis %x: %w", m.GenesisHash[:4], ErrProtocolViolation)
	}
	return nil
}

func (p *Peer) onHelloAck(now time.Time) error {
	if p.state != StateInWaitHelloAck {
		return p.unexpected(&wire.HelloAck{})
	}
	p.timeDelta += now.Sub(p.helloSentAt) / 2
	p.setState(StateInHandshakeComplete, now)
	p.reportHandshake()
	if err := p.send(&wire.GetAddress{}); err != nil {
		return err
	}
	p.setState(StateInWaitAddress, now)
	return nil
}

func (p *Peer) onAddress(m *wire.Address, now time.Time) error {
	if p.state != StateInWaitAddress && p.state != StateOutWaitAddress {
		return p.unexpected(m)
	}
	pool := p.cfg.Pool
	for _, entry := range m.Entries {
		if entry.Services&wire.NodeNetwork == 0 {
			continue
		}
		if !p.cfg.AllowAllAddresses && !entry.Endpoint.IsRoutable() {
			continue
		}
		if pool != nil && pool.AddObserved(entry.Endpoint, entry.Services) {
			p.received++
		}
	}
	if p.state == StateOutWaitAddress {
		if pool != nil {
			pool.AdjustScore(p.remote, 1)
		}
		p.setState(StateOutComplete, now)
		return nil
	}
	p.setState(StateInComplete, now)
	return nil
}

// reportHandshake feeds the negotiated remote facts into the pool. Inbound
// peers are recorded under their IP with the network default port, since the
// ephemeral source port is not where they listen.
func (p *Peer) reportHandshake() {
	pool := p.cfg.Pool
	if pool == nil {
		return
	}
	pool.ReportTimeOffset(p.remote.Addr(), p.timeDelta)
	target := p.remote
	if !p.state.Outbound() {
		target = wire.NewEndpoint(p.remote.Addr(), p.cfg.DefaultPort)
		if !p.cfg.AllowAllAddresses && !target.IsRoutable() {
			return
		}
		pool.AddObserved(target, p.services)
	}
	pool.ReportHeight(target, p.height)
}

func (p *Peer) sendHello(now time.Time) error {
	hello := &wire.Hello{
		Version:     wire.ProtocolVersion,
		Services:    wire.NodeNetwork,
		Timestamp:   now.Unix(),
		Nonce:       uint64(p.id),
		SubVersion:  SubVersion,
		GenesisHash: p.cfg.GenesisHash,
	}
	if pool := p.cfg.Pool; pool != nil {
		hello.Timestamp = pool.NetTime().Unix()
		hello.StartingHeight = pool.ConfidenceHeight()
	}
	p.helloSentAt = now
	return p.send(hello)
}

func (p *Peer) sendAddresses() error {
	reply := &wire.Address{}
	if pool := p.cfg.Pool; pool != nil {
		reply.Entries = pool.SampleGoodAddresses(p.cfg.AddressesPerReply, pool.GoodScore())
	}
	return p.send(reply)
}

func (p *Peer) send(msg wire.Message) error {
	frame, err := wire.EncodeMessage(p.cfg.Magic, msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Command(), err)
	}
	if err := p.out.Send(p.id, frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Command(), err)
	}
	metrics().recordFrame("out", msg.Command())
	return nil
}
