package p2p

import "fmt"

const (
	netIDShardShift  = 56
	netIDOutboundBit = 1 << 55
	netIDCounterMask = netIDOutboundBit - 1
	maxShards        = 256
)

// NetID identifies a connection and the shard that owns it. The top byte is
// the shard index, bit 55 marks outbound dials and the low bits hold a
// per-shard creation counter, so IDs are unique for the life of the process.
type NetID uint64

func newNetID(shard int, outbound bool, seq uint64) NetID {
	id := uint64(shard)<<netIDShardShift | seq&netIDCounterMask
	if outbound {
		id |= netIDOutboundBit
	}
	return NetID(id)
}

// Shard returns the owning shard index.
func (id NetID) Shard() int { return int(uint64(id) >> netIDShardShift) }

// Outbound reports whether the connection was dialed locally.
func (id NetID) Outbound() bool { return uint64(id)&netIDOutboundBit != 0 }

// Seq returns the creation counter.
func (id NetID) Seq() uint64 { return uint64(id) & netIDCounterMask }

func (id NetID) String() string {
	dir := "in"
	if id.Outbound() {
		dir = "out"
	}
	return fmt.Sprintf("%d/%s/%d", id.Shard(), dir, id.Seq())
}
