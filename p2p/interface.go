package p2p

import "dnseed/p2p/wire"

// Sender queues an encoded frame on a live connection.
type Sender interface {
	Send(id NetID, frame []byte) error
}

// Transport is the connection surface the dispatch workers drive.
type Transport interface {
	Sender
	// Dial starts an outbound connection. The owning shard receives a setup
	// event immediately and a completion event once the dial resolves.
	Dial(remote wire.Endpoint) (NetID, error)
	// Remove closes the connection and cancels an in-flight dial.
	Remove(id NetID) error
	// Ack tells the transport the consumer has handled one event for id.
	Ack(id NetID)
	Shards() int
	Events(shard int) <-chan Event
}
