package config

import (
	"errors"
	"fmt"

	"dnseed/p2p/addrpool"
)

const (
	MaxAddressesPerReply = 512
	MaxProbesPerSecond   = 2000
)

// Validate rejects settings the seeder cannot run with. Every problem found
// is reported.
func Validate(c *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Network {
	case NetworkMainnet, NetworkTestnet:
	default:
		add("Network must be %q or %q, got %q", NetworkMainnet, NetworkTestnet, c.Network)
	}
	if c.ListenIPv4 == "" && c.ListenIPv6 == "" {
		add("at least one of ListenIPv4 and ListenIPv6 is required")
	}
	if c.DefaultPort == 0 {
		add("DefaultPort must be non-zero")
	}
	if c.WorkerThreads < 0 {
		add("WorkerThreads must not be negative")
	}
	if c.MaxInbound < 0 {
		add("MaxInbound must not be negative")
	}
	if c.InboundPerIPRate < 0 || c.InboundPerIPBurst < 0 {
		add("InboundPerIPRate and InboundPerIPBurst must not be negative")
	}
	if c.GoodAddressScore < addrpool.MinScore || c.GoodAddressScore > addrpool.MaxScore {
		add("GoodAddressScore must be within [%d, %d]", addrpool.MinScore, addrpool.MaxScore)
	}
	if c.AddressesPerReply < 1 || c.AddressesPerReply > MaxAddressesPerReply {
		add("AddressesPerReply must be within [1, %d]", MaxAddressesPerReply)
	}
	if c.ProbesPerSecond < 1 || c.ProbesPerSecond > MaxProbesPerSecond {
		add("ProbesPerSecond must be within [1, %d]", MaxProbesPerSecond)
	}
	if c.StatIntervalSeconds <= 0 {
		add("StatIntervalSeconds must be positive")
	}
	if _, err := c.Genesis(); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Backend {
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			add("Storage.DSN is required for the %s backend", c.Storage.Backend)
		}
	case "leveldb":
		if c.Storage.Path == "" {
			add("Storage.Path is required for the leveldb backend")
		}
	case "none":
	default:
		add("Storage.Backend %q is not one of sqlite, postgres, leveldb, none", c.Storage.Backend)
	}
	if c.Storage.ShowStats && c.Storage.StatIntervalSeconds <= 0 {
		add("Storage.StatIntervalSeconds must be positive when ShowStats is set")
	}

	if c.DNS.Enabled {
		if c.DNS.Zone == "" {
			add("DNS.Zone is required when DNS is enabled")
		}
		if c.DNS.ListenAddress == "" {
			add("DNS.ListenAddress is required when DNS is enabled")
		}
		if c.DNS.TTLSeconds <= 0 {
			add("DNS.TTLSeconds must be positive")
		}
		if c.DNS.MaxAnswers < 1 {
			add("DNS.MaxAnswers must be positive")
		}
		if c.DNS.QueriesPerSecond < 0 {
			add("DNS.QueriesPerSecond must not be negative")
		}
	}
	if c.Admin.Enabled && c.Admin.ListenAddress == "" {
		add("Admin.ListenAddress is required when the admin endpoint is enabled")
	}
	return errors.Join(errs...)
}
