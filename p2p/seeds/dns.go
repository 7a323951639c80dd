package seeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dnseed/p2p/wire"
)

const (
	defaultTTL        = time.Hour
	defaultMaxAnswers = 25
	shutdownTimeout   = 5 * time.Second
	// IPv4 and IPv6 entries share the pool, so the sample is widened before
	// filtering by family.
	familyOversample = 4
)

// AddressSource supplies the addresses served to resolvers.
type AddressSource interface {
	SampleGoodAddresses(maxCount, threshold int) []wire.AddressEntry
	GoodScore() int
}

// DNSConfig configures the seed responder.
type DNSConfig struct {
	ListenAddress string
	Zone          string
	NameServer    string
	TTL           time.Duration
	MaxAnswers    int
	// QueriesPerSecond caps answered queries process wide; zero disables the
	// limit.
	QueriesPerSecond float64
	// DefaultPort restricts answers to nodes listening on it, since resolvers
	// only learn the IP.
	DefaultPort uint16
	Logger      *slog.Logger
}

// DNSServer answers A, AAAA and NS queries for the seed zone from the
// address pool.
type DNSServer struct {
	cfg     DNSConfig
	source  AddressSource
	zone    string
	ns      string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDNSServer prepares a responder for cfg.Zone.
func NewDNSServer(cfg DNSConfig, source AddressSource) *DNSServer {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxAnswers <= 0 {
		cfg.MaxAnswers = defaultMaxAnswers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &DNSServer{
		cfg:    cfg,
		source: source,
		zone:   strings.ToLower(dns.Fqdn(cfg.Zone)),
		logger: cfg.Logger.With(slog.String("component", "dns_seed")),
	}
	if cfg.NameServer != "" {
		s.ns = strings.ToLower(dns.Fqdn(cfg.NameServer))
	}
	if cfg.QueriesPerSecond > 0 {
		burst := int(2 * cfg.QueriesPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), burst)
	}
	return s
}

// ServeDNS implements dns.Handler.
func (s *DNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := s.Answer(r)
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Debug("Failed to write DNS response", slog.Any("error", err))
	}
}

// Answer builds the response to r.
func (s *DNSServer) Answer(r *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true
	msg.RecursionAvailable = false

	qtype := "none"
	defer func() { recordQuery(qtype, msg.Rcode) }()

	if r.Opcode != dns.OpcodeQuery {
		msg.Rcode = dns.RcodeNotImplemented
		return msg
	}
	if len(r.Question) != 1 {
		msg.Rcode = dns.RcodeFormatError
		return msg
	}
	q := r.Question[0]
	qtype = dns.Type(q.Qtype).String()
	if s.limiter != nil && !s.limiter.Allow() {
		msg.Rcode = dns.RcodeRefused
		return msg
	}
	name := strings.ToLower(q.Name)
	if !dns.IsSubDomain(s.zone, name) {
		msg.Rcode = dns.RcodeRefused
		msg.Authoritative = false
		return msg
	}
	if name != s.zone {
		msg.Rcode = dns.RcodeNameError
		return msg
	}

	switch q.Qtype {
	case dns.TypeA:
		s.appendAddresses(msg, q, true)
	case dns.TypeAAAA:
		s.appendAddresses(msg, q, false)
	case dns.TypeNS:
		if s.ns != "" {
			msg.Answer = append(msg.Answer, &dns.NS{Hdr: s.header(q), Ns: s.ns})
		}
	default:
		msg.Rcode = dns.RcodeNotImplemented
	}
	return msg
}

func (s *DNSServer) header(q dns.Question) dns.RR_Header {
	return dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    uint32(s.cfg.TTL / time.Second),
	}
}

func (s *DNSServer) appendAddresses(msg *dns.Msg, q dns.Question, v4 bool) {
	if s.source == nil {
		return
	}
	sample := s.source.SampleGoodAddresses(s.cfg.MaxAnswers*familyOversample, s.source.GoodScore())
	for _, entry := range sample {
		if len(msg.Answer) >= s.cfg.MaxAnswers {
			return
		}
		ep := entry.Endpoint
		if ep.Is4() != v4 {
			continue
		}
		if s.cfg.DefaultPort != 0 && ep.Port() != s.cfg.DefaultPort {
			continue
		}
		ip := net.IP(ep.Addr().AsSlice())
		if v4 {
			msg.Answer = append(msg.Answer, &dns.A{Hdr: s.header(q), A: ip})
		} else {
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: s.header(q), AAAA: ip})
		}
	}
}

// Run listens on UDP and TCP at cfg.ListenAddress until ctx is done.
func (s *DNSServer) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("dns: listen udp %s: %w", s.cfg.ListenAddress, err)
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		pc.Close()
		return fmt.Errorf("dns: listen tcp %s: %w", s.cfg.ListenAddress, err)
	}
	s.logger.Info("DNS seed responder listening",
		slog.String("zone", s.zone),
		slog.String("udp", pc.LocalAddr().String()),
		slog.String("tcp", ln.Addr().String()))
	return s.Serve(ctx, pc, ln)
}

// Serve answers on the given sockets until ctx is done. Either may be nil.
func (s *DNSServer) Serve(ctx context.Context, pc net.PacketConn, ln net.Listener) error {
	var servers []*dns.Server
	if pc != nil {
		servers = append(servers, &dns.Server{PacketConn: pc, Handler: s})
	}
	if ln != nil {
		servers = append(servers, &dns.Server{Listener: ln, Handler: s})
	}
	if len(servers) == 0 {
		return errors.New("dns: no sockets to serve")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		started := make(chan struct{})
		done := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		g.Go(func() error {
			defer close(done)
			if err := srv.ActivateAndServe(); err != nil {
				return fmt.Errorf("dns: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			select {
			case <-started:
			case <-done:
				return nil
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.ShutdownContext(shutdownCtx)
		})
	}
	err := g.Wait()
	s.logger.Info("DNS seed responder stopped")
	return err
}
