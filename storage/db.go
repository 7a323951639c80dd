package storage

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: store closed")

// EventKind identifies a persistence mutation.
type EventKind uint8

const (
	EventInsert EventKind = iota + 1
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record is the persisted form of an address pool entry.
type Record struct {
	Address  string
	Port     uint16
	Services uint64
	Score    int
}

// Key returns the canonical "ip:port" form used as the pool key.
func (r Record) Key() string {
	if addr, err := netip.ParseAddr(r.Address); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), r.Port).String()
	}
	return r.Address + ":" + strconv.Itoa(int(r.Port))
}

// Event is one fire-and-forget mutation posted by the address pool.
type Event struct {
	Kind   EventKind
	Record Record
}

// AddressStore is the persistence contract consumed by the seeder. Apply
// commits a batch atomically where the backend allows it.
type AddressStore interface {
	FetchAll(ctx context.Context) ([]Record, error)
	Apply(ctx context.Context, events []Event) error
	Purge(ctx context.Context) error
	Close() error
}

// Open returns the store for backend. The "none" backend keeps nothing.
func Open(backend, dsn string) (AddressStore, error) {
	switch backend {
	case "sqlite", "postgres":
		store, err := OpenSQL(backend, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "leveldb":
		store, err := OpenLevel(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "none":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// NopStore discards every event.
type NopStore struct{}

func (NopStore) FetchAll(context.Context) ([]Record, error) { return nil, nil }
func (NopStore) Apply(context.Context, []Event) error       { return nil }
func (NopStore) Purge(context.Context) error                { return nil }
func (NopStore) Close() error                               { return nil }
