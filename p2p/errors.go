package p2p

import "errors"

var (
	// ErrProtocolViolation marks a peer message that is malformed, fails
	// verification or arrives outside the state that expects it.
	ErrProtocolViolation = errors.New("p2p: protocol violation")
	// ErrUnknownConnection is returned for operations on a NetID with no live connection.
	ErrUnknownConnection = errors.New("p2p: unknown connection")
	// ErrQueueFull is returned when a bounded queue stayed full past its wait budget.
	ErrQueueFull = errors.New("p2p: queue full")
	// ErrServerClosed is returned by operations on a stopped server.
	ErrServerClosed = errors.New("p2p: server closed")
)

// IsProtocolViolation reports whether err closed a connection for misbehaviour.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
