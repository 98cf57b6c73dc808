// Package lan implements nearby.Provider over the local network: mDNS
// advertising and browsing for discovery, one TCP link per connection.
package lan

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_helphub._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record and wire version.
	DefaultVersion = 1
	// DefaultListenAddress accepts links on every interface with an ephemeral port.
	DefaultListenAddress = ":0"
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 2 * time.Second
	// DefaultDecisionTimeout bounds how long a negotiation waits for both answers.
	DefaultDecisionTimeout = 30 * time.Second
	// DefaultDialTimeout bounds dialing and the request/response exchange.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config controls the LAN provider.
type Config struct {
	// EndpointID identifies this device to peers. It is published in TXT.
	EndpointID string

	ListenAddress   string
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	DecisionTimeout time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
	dialFn     dialFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.EndpointID = strings.TrimSpace(out.EndpointID)
	if out.ListenAddress == "" {
		out.ListenAddress = DefaultListenAddress
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = DefaultDecisionTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.dialFn == nil {
		dialer := &net.Dialer{}
		out.dialFn = dialer.DialContext
	}
	return out
}

func (c Config) validate() error {
	if c.EndpointID == "" {
		return errors.New("endpoint ID is required")
	}
	if strings.ContainsAny(c.EndpointID, "|=") {
		return errors.New("endpoint ID must not contain '|' or '='")
	}
	return nil
}
