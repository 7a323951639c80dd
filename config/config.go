package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dnseed/p2p/wire"
)

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"

	maxWorkerThreads = 256
)

type Config struct {
	Network           string   `toml:"Network"`
	ListenIPv4        string   `toml:"ListenIPv4"`
	ListenIPv6        string   `toml:"ListenIPv6"`
	DefaultPort       uint16   `toml:"DefaultPort"`
	WorkerThreads     int      `toml:"WorkerThreads"`
	MaxInbound        int      `toml:"MaxInbound"`
	InboundPerIPRate  float64  `toml:"InboundPerIPRate"`
	InboundPerIPBurst int      `toml:"InboundPerIPBurst"`
	GoodAddressScore  int      `toml:"GoodAddressScore"`
	AddressesPerReply int      `toml:"AddressesPerReply"`
	ProbesPerSecond   int      `toml:"ProbesPerSecond"`
	StressTest        bool     `toml:"StressTest"`
	AllowAllAddresses bool     `toml:"AllowAllAddresses"`
	TrustedAddresses  []string `toml:"TrustedAddresses"`
	// GenesisHash is the hex encoded 32-byte genesis block hash. Empty
	// disables the Hello genesis check.
	GenesisHash         string `toml:"GenesisHash"`
	StatIntervalSeconds int    `toml:"StatIntervalSeconds"`
	ShowRunStats        bool   `toml:"ShowRunStats"`
	DataDir             string `toml:"DataDir"`

	Storage   Storage   `toml:"Storage"`
	DNS       DNS       `toml:"DNS"`
	Admin     Admin     `toml:"Admin"`
	Log       Log       `toml:"Log"`
	Telemetry Telemetry `toml:"Telemetry"`
}

// Load loads the configuration from the given path, writing a default file
// first when none exists. Unset fields take their defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Network:             NetworkMainnet,
		ListenIPv4:          "0.0.0.0:8806",
		ListenIPv6:          "[::]:8806",
		DefaultPort:         8806,
		MaxInbound:          1024,
		InboundPerIPRate:    1,
		InboundPerIPBurst:   5,
		GoodAddressScore:    10,
		AddressesPerReply:   8,
		ProbesPerSecond:     30,
		TrustedAddresses:    []string{},
		StatIntervalSeconds: 60,
		ShowRunStats:        true,
		DataDir:             "./dnseed-data",
		Storage: Storage{
			Backend:             "sqlite",
			DSN:                 "dnseed.db",
			Path:                "addresses",
			QueueSize:           65536,
			StatIntervalSeconds: 60,
		},
		DNS: DNS{
			ListenAddress:    "0.0.0.0:53",
			TTLSeconds:       3600,
			MaxAnswers:       25,
			QueriesPerSecond: 200,
		},
		Admin: Admin{
			Enabled:           true,
			ListenAddress:     "127.0.0.1:8807",
			RequestsPerMinute: 120,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Metrics:  true,
			Traces:   true,
		},
	}
}

func (c *Config) normalize() {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.TrustedAddresses == nil {
		c.TrustedAddresses = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Magic returns the frame magic of the configured network.
func (c *Config) Magic() uint32 {
	if c.Network == NetworkTestnet {
		return wire.MagicTestnet
	}
	return wire.MagicMainnet
}

// Genesis decodes GenesisHash. The zero hash means no check.
func (c *Config) Genesis() ([32]byte, error) {
	var out [32]byte
	raw := strings.TrimPrefix(strings.TrimSpace(c.GenesisHash), "0x")
	if raw == "" {
		return out, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("config: GenesisHash: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("config: GenesisHash must be %d bytes, got %d", len(out), len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// Shards resolves WorkerThreads, where zero means one per CPU.
func (c *Config) Shards() int {
	n := c.WorkerThreads
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > maxWorkerThreads {
		n = maxWorkerThreads
	}
	return n
}

// StatInterval returns the run statistics period.
func (c *Config) StatInterval() time.Duration {
	return time.Duration(c.StatIntervalSeconds) * time.Second
}

// StoragePath resolves the LevelDB directory against DataDir.
func (c *Config) StoragePath() string {
	if filepath.IsAbs(c.Storage.Path) || c.DataDir == "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, c.Storage.Path)
}

// StorageDSN returns the connection string for the configured backend. A
// relative sqlite file lives under DataDir.
func (c *Config) StorageDSN() string {
	switch c.Storage.Backend {
	case "leveldb":
		return c.StoragePath()
	case "sqlite":
		dsn := c.Storage.DSN
		if dsn == "" || strings.HasPrefix(dsn, "file:") || filepath.IsAbs(dsn) || c.DataDir == "" {
			return dsn
		}
		return filepath.Join(c.DataDir, dsn)
	default:
		return c.Storage.DSN
	}
}
