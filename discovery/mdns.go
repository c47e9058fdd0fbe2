// Package discovery advertises the local node and resolves peer names to
// addresses over mDNS, supplementing statically configured peer profiles.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanstream._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each resolution scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrPeerNotFound indicates no advertised service matched the peer name.
var ErrPeerNotFound = errors.New("discovery: peer not found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcast and resolution behavior.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseEntries
	}
	return out
}

func browseEntries(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Broadcaster advertises local node presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	if cfg.ListeningPort <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"name=" + cfg.DeviceName,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Resolver resolves peer names to host:port endpoints by browsing mDNS.
type Resolver struct {
	cfg Config
}

// NewResolver returns a resolver for the configured service.
func NewResolver(config Config) *Resolver {
	return &Resolver{cfg: config.withDefaults()}
}

// Lookup resolves a peer name to its advertised address. The peer's mDNS
// instance name must equal the profile name.
func (r *Resolver) Lookup(ctx context.Context, name string) (host string, port int, err error) {
	if strings.TrimSpace(name) == "" {
		return "", 0, errors.New("peer name is required")
	}

	scanCtx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := r.cfg.browseFn(scanCtx, r.cfg.Service, r.cfg.Domain, entries); err != nil {
		return "", 0, fmt.Errorf("browse mDNS service: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", 0, ErrPeerNotFound
			}
			if entry == nil || !strings.EqualFold(entry.Instance, name) {
				continue
			}
			if host := pickAddress(entry); host != "" {
				return host, entry.Port, nil
			}
		case <-scanCtx.Done():
			return "", 0, ErrPeerNotFound
		}
	}
}

func pickAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsLoopback() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil && !ip.IsLoopback() {
			return ip.String()
		}
	}
	return ""
}

// FormatEndpoint joins a resolved host and port for dialing.
func FormatEndpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
