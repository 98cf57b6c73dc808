package lan

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// remoteEndpoint is an advertising device found by browsing.
type remoteEndpoint struct {
	EndpointID string
	Name       string
	ServiceID  string
	Version    int
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type scanHandler struct {
	found func(remoteEndpoint)
	lost  func(remoteEndpoint)
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// scanner browses mDNS periodically and reports the difference between
// consecutive snapshots through its handler.
type scanner struct {
	cfg       Config
	serviceID string
	handler   scanHandler

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]remoteEndpoint

	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	refreshRequests chan refreshRequest
}

func newScanner(cfg Config, serviceID string, handler scanHandler) (*scanner, error) {
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &scanner{
		cfg:             cfg,
		serviceID:       serviceID,
		handler:         handler,
		browse:          browse,
		peers:           make(map[string]remoteEndpoint),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

func (s *scanner) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
}

func (s *scanner) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// refresh runs one scan immediately and waits for it.
func (s *scanner) refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

func (s *scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]remoteEndpoint)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.EndpointID, s.serviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.EndpointID] = peer
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A stopped scanner must not report everything as lost.
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected)
	return nil
}

func (s *scanner) applySnapshot(next map[string]remoteEndpoint) {
	s.mu.Lock()
	previous := s.peers
	s.peers = next
	s.mu.Unlock()

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || old.Name != peer.Name {
			s.handler.found(peer)
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.handler.lost(peer)
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfEndpointID, serviceID string) (remoteEndpoint, bool) {
	txt := txtToMap(entry.Text)

	endpointID := strings.TrimSpace(txt["endpoint_id"])
	if endpointID == "" || endpointID == selfEndpointID {
		return remoteEndpoint{}, false
	}
	if txt["service_id"] != serviceID {
		return remoteEndpoint{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = endpointID
	}

	return remoteEndpoint{
		EndpointID: endpointID,
		Name:       name,
		ServiceID:  serviceID,
		Version:    version,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
