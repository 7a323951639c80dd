package p2p

import "dnseed/p2p/wire"

// Event is one entry of a shard receive queue. The set of implementations is
// closed: SetupEvent, DataEvent, CloseEvent and CompleteEvent.
type Event interface {
	Conn() NetID
	shardEvent()
}

// SetupEvent announces a new connection. Outbound setups are posted when the
// dial starts, before the socket exists.
type SetupEvent struct {
	ID       NetID
	Remote   wire.Endpoint
	Local    wire.Endpoint
	Outbound bool
}

// DataEvent carries bytes read from the socket, in arrival order.
type DataEvent struct {
	ID   NetID
	Data []byte
}

// CloseCause says why a connection went away.
type CloseCause uint8

const (
	CausePeerClosed CloseCause = iota + 1
	CauseLocalClosed
	CauseConnectFailed
	CauseOverload
)

func (c CloseCause) String() string {
	switch c {
	case CausePeerClosed:
		return "peer_closed"
	case CauseLocalClosed:
		return "local_closed"
	case CauseConnectFailed:
		return "connect_failed"
	case CauseOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// CloseEvent is the last event delivered for a connection.
type CloseEvent struct {
	ID    NetID
	Cause CloseCause
	Err   error
}

// CompleteEvent reports an outbound dial result. A failed dial is followed by
// a CloseEvent with CauseConnectFailed.
type CompleteEvent struct {
	ID    NetID
	Local wire.Endpoint
	Err   error
}

func (e SetupEvent) Conn() NetID    { return e.ID }
func (e DataEvent) Conn() NetID     { return e.ID }
func (e CloseEvent) Conn() NetID    { return e.ID }
func (e CompleteEvent) Conn() NetID { return e.ID }

func (SetupEvent) shardEvent()    {}
func (DataEvent) shardEvent()     {}
func (CloseEvent) shardEvent()    {}
func (CompleteEvent) shardEvent() {}
