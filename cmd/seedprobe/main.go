package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dnseed/observability/logging"
	"dnseed/p2p"
	"dnseed/p2p/seeds"
	"dnseed/p2p/wire"
)

type output struct {
	Remote         string   `json:"remote"`
	Version        int32    `json:"version"`
	Services       uint64   `json:"services"`
	SubVersion     string   `json:"sub_version"`
	StartingHeight int32    `json:"starting_height"`
	TimeDeltaMS    int64    `json:"time_delta_ms"`
	Addresses      []string `json:"addresses"`
}

func main() {
	network := flag.String("network", "mainnet", "Network whose magic to use (mainnet or testnet)")
	genesisHex := flag.String("genesis", "", "Expected genesis hash in hex; empty accepts any chain")
	defaultPort := flag.Uint("port", 8806, "Port used when the target omits one")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall probe deadline")
	asJSON := flag.Bool("json", false, "Print the result as JSON")
	count := flag.Int("count", 1, "Number of sessions to open; above 1 runs a load test and prints a summary")
	concurrency := flag.Int("concurrency", 16, "Sessions in flight at once when -count is above 1")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: seedprobe [flags] host[:port]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *defaultPort == 0 || *defaultPort > 0xFFFF || *count < 1 || *concurrency < 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts := options{
		network:     *network,
		genesisHex:  *genesisHex,
		port:        uint16(*defaultPort),
		timeout:     *timeout,
		asJSON:      *asJSON,
		count:       *count,
		concurrency: *concurrency,
	}
	if err := run(flag.Arg(0), opts); err != nil {
		fmt.Fprintf(os.Stderr, "seedprobe: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	network     string
	genesisHex  string
	port        uint16
	timeout     time.Duration
	asJSON      bool
	count       int
	concurrency int
}

func run(target string, opts options) error {
	cfg := p2p.ProbeConfig{Timeout: opts.timeout}
	switch strings.ToLower(opts.network) {
	case "mainnet":
		cfg.Magic = wire.MagicMainnet
	case "testnet":
		cfg.Magic = wire.MagicTestnet
	default:
		return fmt.Errorf("unknown network %q", opts.network)
	}
	if raw := strings.TrimPrefix(strings.TrimSpace(opts.genesisHex), "0x"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != len(cfg.GenesisHash) {
			return fmt.Errorf("genesis must be %d hex encoded bytes", len(cfg.GenesisHash))
		}
		copy(cfg.GenesisHash[:], decoded)
	}

	resolveCtx, cancelResolve := context.WithTimeout(context.Background(), opts.timeout)
	defer cancelResolve()
	endpoints, err := seeds.ResolveTrusted(resolveCtx, seeds.DefaultResolver(), []string{target}, opts.port)
	if err != nil {
		return err
	}

	if opts.count > 1 {
		report := stress(context.Background(), p2p.Probe, endpoints[0], cfg, opts.count, opts.concurrency)
		if opts.asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		report.print(os.Stdout)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	result, err := p2p.Probe(ctx, endpoints[0], cfg)
	if err != nil {
		return err
	}
	out := output{
		Remote:         result.Remote.String(),
		Version:        result.Version,
		Services:       result.Services,
		SubVersion:     result.SubVersion,
		StartingHeight: result.StartingHeight,
		TimeDeltaMS:    result.TimeDelta.Milliseconds(),
		Addresses:      make([]string, 0, len(result.Addresses)),
	}
	for _, entry := range result.Addresses {
		out.Addresses = append(out.Addresses, entry.Endpoint.String())
	}

	if opts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("remote:          %s\n", out.Remote)
	fmt.Printf("version:         %d %s\n", out.Version, logging.SanitizeValue(out.SubVersion, 0))
	fmt.Printf("services:        %#x\n", out.Services)
	fmt.Printf("starting height: %d\n", out.StartingHeight)
	fmt.Printf("clock offset:    %dms\n", out.TimeDeltaMS)
	fmt.Printf("addresses:       %d\n", len(out.Addresses))
	for _, addr := range out.Addresses {
		fmt.Printf("  %s\n", addr)
	}
	return nil
}
