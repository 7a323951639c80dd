package p2p

import (
	"fmt"
	"time"
)

// SubVersion is the user agent advertised in our Hello.
const SubVersion = "/dnseed:0.1.0/Protocol:0.1.0/"

// PeerState is a handshake step. Inbound and outbound sessions walk disjoint
// sets of states.
type PeerState uint8

// Inbound states.
const (
	StateInConnected PeerState = iota + 1
	StateInWaitHelloAck
	StateInHandshakeComplete
	StateInWaitAddress
	StateInComplete
)

// Outbound states.
const (
	StateOutConnecting PeerState = iota + 16
	StateOutConnected
	StateOutWaitHello
	StateOutHandshakeComplete
	StateOutWaitAddress
	StateOutComplete
)

var stateTimeouts = map[PeerState]time.Duration{
	StateInConnected:          30 * time.Second,
	StateInWaitHelloAck:       10 * time.Second,
	StateInHandshakeComplete:  30 * time.Second,
	StateInWaitAddress:        10 * time.Second,
	StateInComplete:           2 * time.Second,
	StateOutConnecting:        20 * time.Second,
	StateOutConnected:         20 * time.Second,
	StateOutWaitHello:         10 * time.Second,
	StateOutHandshakeComplete: 30 * time.Second,
	StateOutWaitAddress:       10 * time.Second,
	StateOutComplete:          2 * time.Second,
}

var stateNames = map[PeerState]string{
	StateInConnected:          "in_connected",
	StateInWaitHelloAck:       "in_wait_hello_ack",
	StateInHandshakeComplete:  "in_handshake_complete",
	StateInWaitAddress:        "in_wait_address",
	StateInComplete:           "in_complete",
	StateOutConnecting:        "out_connecting",
	StateOutConnected:         "out_connected",
	StateOutWaitHello:         "out_wait_hello",
	StateOutHandshakeComplete: "out_handshake_complete",
	StateOutWaitAddress:       "out_wait_address",
	StateOutComplete:          "out_complete",
}

// Timeout is how long a session may sit in the state before it is closed.
func (s PeerState) Timeout() time.Duration {
	return stateTimeouts[s]
}

// Outbound reports whether the state belongs to a dialed session.
func (s PeerState) Outbound() bool { return s >= StateOutConnecting }

// Handshaked reports whether version negotiation has finished.
func (s PeerState) Handshaked() bool {
	switch s {
	case StateInHandshakeComplete, StateInWaitAddress, StateInComplete,
		StateOutHandshakeComplete, StateOutWaitAddress, StateOutComplete:
		return true
	}
	return false
}

// Complete reports whether the address exchange finished.
func (s PeerState) Complete() bool {
	return s == StateInComplete || s == StateOutComplete
}

func (s PeerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
