package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"helphub/crypto"
	"helphub/nearby"
)

var (
	ErrClosed              = errors.New("lan: provider closed")
	ErrUnknownEndpoint     = errors.New("lan: endpoint not discovered")
	ErrNotConnected        = errors.New("lan: endpoint not connected")
	ErrNoPendingConnection = errors.New("lan: no pending connection")
	ErrNegotiationPending  = errors.New("lan: negotiation already in progress")
	ErrRequestCancelled    = errors.New("lan: connection request cancelled")
)

// Provider is a nearby.Provider backed by mDNS and TCP.
type Provider struct {
	cfg    Config
	codec  *frameCodec
	logger *zap.Logger

	sinkMu sync.RWMutex
	sink   nearby.Sink

	peersMu sync.RWMutex
	peers   map[string]remoteEndpoint

	mu         sync.Mutex
	listener   net.Listener
	advertiser *advertiser
	localName  string
	serviceID  string
	scanner    *scanner
	links      map[string]*link
	closed     bool

	wg sync.WaitGroup
}

var _ nearby.Provider = (*Provider)(nil)

// NewProvider validates cfg and returns an idle provider.
func NewProvider(config Config) (*Provider, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	codec, err := newFrameCodec()
	if err != nil {
		return nil, err
	}

	return &Provider{
		cfg:    cfg,
		codec:  codec,
		logger: cfg.Logger.With(zap.String("endpoint_id", cfg.EndpointID)),
		peers:  make(map[string]remoteEndpoint),
		links:  make(map[string]*link),
	}, nil
}

// Addr returns the link listener address while advertising.
func (p *Provider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Provider) Bind(sink nearby.Sink) {
	p.sinkMu.Lock()
	p.sink = sink
	p.sinkMu.Unlock()
}

func (p *Provider) StartAdvertising(name, serviceID string) nearby.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nearby.Done(ErrClosed)
	}
	if p.advertiser != nil {
		return nearby.Done(nil)
	}

	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return nearby.Done(fmt.Errorf("listen for links: %w", err))
	}
	port := ln.Addr().(*net.TCPAddr).Port

	adv, err := startAdvertiser(p.cfg, name, serviceID, port)
	if err != nil {
		_ = ln.Close()
		return nearby.Done(err)
	}

	p.listener = ln
	p.advertiser = adv
	p.localName = name
	p.serviceID = serviceID
	p.wg.Add(1)
	go p.acceptLoop(ln)

	p.logger.Info("advertising", zap.String("name", name), zap.Int("port", port))
	return nearby.Done(nil)
}

func (p *Provider) StopAdvertising() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.advertiser == nil {
		return
	}
	p.advertiser.stop()
	p.advertiser = nil
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
}

func (p *Provider) StartDiscovery(serviceID string) nearby.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nearby.Done(ErrClosed)
	}
	if p.scanner != nil {
		return nearby.Done(nil)
	}

	sc, err := newScanner(p.cfg, serviceID, scanHandler{found: p.found, lost: p.lost})
	if err != nil {
		return nearby.Done(fmt.Errorf("create mDNS resolver: %w", err))
	}
	sc.start()
	p.scanner = sc
	return nearby.Done(nil)
}

func (p *Provider) StopDiscovery() {
	p.mu.Lock()
	sc := p.scanner
	p.scanner = nil
	p.mu.Unlock()

	if sc != nil {
		sc.stop()
	}
}

// Refresh runs a discovery scan immediately.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	sc := p.scanner
	p.mu.Unlock()

	if sc == nil {
		return errors.New("discovery is not running")
	}
	return sc.refresh(ctx)
}

func (p *Provider) RequestConnection(name, endpointID string) nearby.Result {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nearby.Done(ErrClosed)
	}
	if existing, ok := p.links[endpointID]; ok {
		if existing.state == linkConnected {
			p.emit(nearby.ConnectionResolved{EndpointID: endpointID, Status: nearby.StatusAlreadyConnected})
			p.mu.Unlock()
			return nearby.Done(nil)
		}
		p.mu.Unlock()
		return nearby.Done(fmt.Errorf("request connection to %q: %w", endpointID, ErrNegotiationPending))
	}

	peer, ok := p.lookupPeer(endpointID)
	if !ok {
		p.mu.Unlock()
		return nearby.Done(fmt.Errorf("request connection to %q: %w", endpointID, ErrUnknownEndpoint))
	}
	l := &link{endpointID: endpointID, endpointName: peer.Name, state: linkHandshake}
	p.links[endpointID] = l
	serviceID := p.serviceIDFor(peer)
	p.mu.Unlock()

	res := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(res)
		if err := p.dial(l, peer, name, serviceID); err != nil {
			p.logger.Warn("connection request failed", zap.String("peer", endpointID), zap.Error(err))
			res <- err
		}
	}()
	return res
}

func (p *Provider) AcceptConnection(endpointID string) nearby.Result {
	p.mu.Lock()
	l, ok := p.links[endpointID]
	if !ok || l.state != linkNegotiating {
		p.mu.Unlock()
		return nearby.Done(fmt.Errorf("accept connection from %q: %w", endpointID, ErrNoPendingConnection))
	}
	if l.localAccepted {
		p.mu.Unlock()
		return nearby.Done(nil)
	}
	p.mu.Unlock()

	// The decision frame goes out before localAccepted is visible so no
	// payload can overtake it.
	l.writeMu.Lock()
	err := p.writeLocked(l, frame{Type: frameDecision, Accept: true})
	if err == nil {
		p.mu.Lock()
		l.localAccepted = true
		if l.remoteAccepted {
			p.resolveLocked(l, nearby.StatusOK)
		}
		p.mu.Unlock()
	}
	l.writeMu.Unlock()

	if err != nil {
		p.linkFailed(l, err)
		return nearby.Done(err)
	}
	return nearby.Done(nil)
}

func (p *Provider) RejectConnection(endpointID string) nearby.Result {
	p.mu.Lock()
	l, ok := p.links[endpointID]
	if !ok || l.state != linkNegotiating {
		p.mu.Unlock()
		return nearby.Done(fmt.Errorf("reject connection from %q: %w", endpointID, ErrNoPendingConnection))
	}
	p.resolveLocked(l, nearby.StatusRejected)
	p.mu.Unlock()

	p.sendAndClose(l, frame{Type: frameDecision, Accept: false})
	return nearby.Done(nil)
}

func (p *Provider) Disconnect(endpointID string) {
	p.mu.Lock()
	l, ok := p.links[endpointID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.finishLocked(l)
	p.mu.Unlock()

	p.sendAndClose(l, frame{Type: frameBye, Status: int(nearby.StatusCancelled)})
}

func (p *Provider) SendPayload(endpointID string, payload []byte) nearby.Result {
	p.mu.Lock()
	l, ok := p.links[endpointID]
	if !ok || l.state != linkConnected {
		p.mu.Unlock()
		return nearby.Done(fmt.Errorf("send to %q: %w", endpointID, ErrNotConnected))
	}
	key := l.key
	p.mu.Unlock()

	p.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferInProgress})

	sealed, nonce, err := crypto.Seal(key, payload, []byte(p.cfg.EndpointID))
	if err == nil {
		err = l.send(p.codec, p.cfg.WriteTimeout, frame{Type: framePayload, Nonce: nonce, Sealed: sealed})
	}
	if err != nil {
		p.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferFailure})
		if !errors.Is(err, ErrFrameTooLarge) {
			p.linkFailed(l, err)
		}
		return nearby.Done(fmt.Errorf("send to %q: %w", endpointID, err))
	}

	p.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferSuccess})
	return nearby.Done(nil)
}

// Close stops advertising and discovery and drops every link.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.advertiser != nil {
		p.advertiser.stop()
		p.advertiser = nil
	}
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	sc := p.scanner
	p.scanner = nil

	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	for _, l := range links {
		p.finishLocked(l)
	}
	p.mu.Unlock()

	for _, l := range links {
		p.sendAndClose(l, frame{Type: frameBye, Status: int(nearby.StatusCancelled)})
	}
	if sc != nil {
		sc.stop()
	}
	p.wg.Wait()
	return nil
}

func (p *Provider) found(peer remoteEndpoint) {
	p.peersMu.Lock()
	p.peers[peer.EndpointID] = peer
	p.peersMu.Unlock()

	p.emit(nearby.DeviceDiscovered{
		EndpointID:   peer.EndpointID,
		ServiceID:    peer.ServiceID,
		EndpointName: peer.Name,
	})
}

func (p *Provider) lost(peer remoteEndpoint) {
	p.peersMu.Lock()
	delete(p.peers, peer.EndpointID)
	p.peersMu.Unlock()

	p.emit(nearby.DeviceLost{EndpointID: peer.EndpointID})
}

func (p *Provider) lookupPeer(endpointID string) (remoteEndpoint, bool) {
	p.peersMu.RLock()
	defer p.peersMu.RUnlock()
	peer, ok := p.peers[endpointID]
	return peer, ok
}

func (p *Provider) serviceIDFor(peer remoteEndpoint) string {
	if peer.ServiceID != "" {
		return peer.ServiceID
	}
	return p.serviceID
}

func (p *Provider) dial(l *link, peer remoteEndpoint, name, serviceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.dialAny(ctx, peer)
	if err != nil {
		p.dropHandshake(l)
		return err
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		_ = conn.Close()
		p.dropHandshake(l)
		return err
	}

	request := frame{
		Type:         frameRequest,
		Version:      p.cfg.Version,
		EndpointID:   p.cfg.EndpointID,
		EndpointName: name,
		ServiceID:    serviceID,
		Key:          keys.Public[:],
	}
	_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.DialTimeout))
	if err := p.codec.write(conn, request); err != nil {
		_ = conn.Close()
		p.dropHandshake(l)
		return err
	}
	_ = conn.SetWriteDeadline(time.Time{})

	response, err := p.codec.readWithTimeout(conn, p.cfg.DialTimeout)
	if err == nil && response.Type != frameResponse {
		err = fmt.Errorf("expected response, got %s: %w", response.Type, ErrUnexpectedFrame)
	}
	if err != nil {
		_ = conn.Close()
		p.dropHandshake(l)
		return err
	}

	if response.Status != 0 {
		_ = conn.Close()
		p.mu.Lock()
		if p.links[l.endpointID] == l {
			delete(p.links, l.endpointID)
			l.state = linkClosed
			p.emit(nearby.ConnectionResolved{EndpointID: l.endpointID, Status: nearby.StatusCode(response.Status)})
		}
		p.mu.Unlock()
		return nil
	}
	if response.Version != p.cfg.Version {
		_ = conn.Close()
		p.dropHandshake(l)
		return fmt.Errorf("peer version %d: %w", response.Version, ErrUnsupportedVersion)
	}

	token, key, err := secrets(keys, response.Key, p.cfg.EndpointID, l.endpointID)
	if err != nil {
		_ = conn.Close()
		p.dropHandshake(l)
		return err
	}

	p.mu.Lock()
	if p.closed || p.links[l.endpointID] != l {
		p.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("request connection to %q: %w", l.endpointID, ErrRequestCancelled)
	}
	if response.EndpointName != "" {
		l.endpointName = response.EndpointName
	}
	l.conn = conn
	l.key = key
	l.token = token
	p.beginNegotiationLocked(l)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(l)
	}()
	return nil
}

func (p *Provider) dialAny(ctx context.Context, peer remoteEndpoint) (net.Conn, error) {
	if len(peer.Addresses) == 0 || peer.Port <= 0 {
		return nil, fmt.Errorf("dial %q: no address advertised", peer.EndpointID)
	}

	var lastErr error
	for _, addr := range peer.Addresses {
		conn, err := p.cfg.dialFn(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(peer.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %q: %w", peer.EndpointID, lastErr)
}

func (p *Provider) acceptLoop(ln net.Listener) {
	defer p.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleIncoming(conn)
		}()
	}
}

func (p *Provider) handleIncoming(conn net.Conn) {
	request, err := p.codec.readWithTimeout(conn, p.cfg.DialTimeout)
	if err == nil && (request.Type != frameRequest || request.EndpointID == "") {
		err = fmt.Errorf("expected request, got %s: %w", request.Type, ErrUnexpectedFrame)
	}
	if err != nil {
		p.logger.Debug("dropping inbound connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		_ = conn.Close()
		return
	}

	refuse := func(status nearby.StatusCode) {
		_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		_ = p.codec.write(conn, frame{Type: frameResponse, Version: p.cfg.Version, Status: int(status)})
		_ = conn.Close()
	}
	if request.Version != p.cfg.Version {
		refuse(nearby.StatusError)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if request.ServiceID != "" && p.serviceID != "" && request.ServiceID != p.serviceID {
		p.mu.Unlock()
		p.logger.Debug("refusing link for another service",
			zap.String("peer", request.EndpointID),
			zap.String("service_id", request.ServiceID),
		)
		refuse(nearby.StatusError)
		return
	}
	if existing, ok := p.links[request.EndpointID]; ok {
		status := nearby.StatusError
		if existing.state == linkConnected {
			status = nearby.StatusAlreadyConnected
		}
		p.mu.Unlock()
		refuse(status)
		return
	}
	l := &link{
		endpointID:   request.EndpointID,
		endpointName: request.EndpointName,
		incoming:     true,
		conn:         conn,
		state:        linkHandshake,
	}
	p.links[l.endpointID] = l
	localName := p.localName
	p.mu.Unlock()

	keys, err := crypto.GenerateKeyPair()
	var token string
	var key []byte
	if err == nil {
		token, key, err = secrets(keys, request.Key, p.cfg.EndpointID, l.endpointID)
	}
	if err == nil {
		err = l.send(p.codec, p.cfg.WriteTimeout, frame{
			Type:         frameResponse,
			Version:      p.cfg.Version,
			EndpointID:   p.cfg.EndpointID,
			EndpointName: localName,
			Key:          keys.Public[:],
		})
	}
	if err != nil {
		p.logger.Warn("inbound handshake failed", zap.String("peer", l.endpointID), zap.Error(err))
		p.dropHandshake(l)
		l.close()
		return
	}

	p.mu.Lock()
	if p.links[l.endpointID] != l {
		p.mu.Unlock()
		l.close()
		return
	}
	l.key = key
	l.token = token
	p.beginNegotiationLocked(l)
	p.mu.Unlock()

	p.readLoop(l)
}

func (p *Provider) beginNegotiationLocked(l *link) {
	l.state = linkNegotiating
	l.timer = time.AfterFunc(p.cfg.DecisionTimeout, func() { p.expire(l) })
	p.emit(nearby.ConnectionInitiated{
		EndpointID:           l.endpointID,
		EndpointName:         l.endpointName,
		AuthenticationToken:  l.token,
		IsIncomingConnection: l.incoming,
	})
}

func (p *Provider) readLoop(l *link) {
	for {
		f, err := p.codec.read(l.conn)
		if err != nil {
			p.linkFailed(l, err)
			return
		}
		if done := p.handleFrame(l, f); done {
			l.close()
			return
		}
	}
}

// handleFrame applies one inbound frame and reports whether the link is finished.
func (p *Provider) handleFrame(l *link, f frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.state == linkClosed {
		return true
	}

	switch f.Type {
	case frameDecision:
		if l.state != linkNegotiating {
			return false
		}
		if !f.Accept {
			p.resolveLocked(l, nearby.StatusRejected)
			return true
		}
		l.remoteAccepted = true
		if l.localAccepted {
			p.resolveLocked(l, nearby.StatusOK)
		}
		return false

	case framePayload:
		if l.state != linkConnected {
			p.logger.Debug("payload before connection", zap.String("peer", l.endpointID))
			return false
		}
		plaintext, err := crypto.Open(l.key, f.Nonce, f.Sealed, []byte(l.endpointID))
		if err != nil {
			p.logger.Warn("dropping unreadable payload", zap.String("peer", l.endpointID), zap.Error(err))
			p.emit(nearby.PayloadTransferProgress{EndpointID: l.endpointID, Status: nearby.TransferFailure})
			return false
		}
		p.emit(nearby.PayloadReceived{EndpointID: l.endpointID, Content: string(plaintext)})
		p.emit(nearby.PayloadTransferProgress{EndpointID: l.endpointID, Status: nearby.TransferSuccess})
		return false

	case frameBye:
		wasConnected := l.state == linkConnected
		status := nearby.StatusCode(f.Status)
		if status == nearby.StatusOK {
			status = nearby.StatusCancelled
		}
		if !wasConnected {
			p.resolveLocked(l, status)
			return true
		}
		p.finishLocked(l)
		p.emit(nearby.Disconnected{EndpointID: l.endpointID})
		return true

	default:
		p.logger.Debug("ignoring frame", zap.String("peer", l.endpointID), zap.String("type", string(f.Type)))
		return false
	}
}

// linkFailed handles a read or write error on a link that was not closed locally.
func (p *Provider) linkFailed(l *link, err error) {
	p.mu.Lock()
	state := l.state
	if state != linkClosed {
		p.finishLocked(l)
		switch state {
		case linkConnected:
			p.emit(nearby.Disconnected{EndpointID: l.endpointID})
		case linkNegotiating:
			p.emit(nearby.ConnectionResolved{EndpointID: l.endpointID, Status: nearby.StatusNetworkError})
		}
	}
	p.mu.Unlock()

	if state != linkClosed {
		p.logger.Info("link lost", zap.String("peer", l.endpointID), zap.Stringer("state", state), zap.Error(err))
	}
	l.close()
}

func (p *Provider) expire(l *link) {
	p.mu.Lock()
	if l.state != linkNegotiating {
		p.mu.Unlock()
		return
	}
	p.resolveLocked(l, nearby.StatusTimeout)
	p.mu.Unlock()

	p.sendAndClose(l, frame{Type: frameBye, Status: int(nearby.StatusTimeout)})
}

// resolveLocked ends a negotiation. Anything but OK finishes the link; the
// caller closes the connection.
func (p *Provider) resolveLocked(l *link, status nearby.StatusCode) {
	if l.state != linkNegotiating {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if status == nearby.StatusOK {
		l.state = linkConnected
	} else {
		p.finishLocked(l)
	}
	p.logger.Debug("negotiation resolved", zap.String("peer", l.endpointID), zap.Stringer("status", status))
	p.emit(nearby.ConnectionResolved{EndpointID: l.endpointID, Status: status})
}

func (p *Provider) finishLocked(l *link) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.state = linkClosed
	if p.links[l.endpointID] == l {
		delete(p.links, l.endpointID)
	}
}

func (p *Provider) dropHandshake(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.state == linkHandshake {
		p.finishLocked(l)
	}
}

func (p *Provider) sendAndClose(l *link, f frame) {
	if l.conn != nil {
		_ = l.send(p.codec, p.cfg.WriteTimeout, f)
	}
	l.close()
}

func (p *Provider) writeLocked(l *link, f frame) error {
	if l.conn == nil {
		return fmt.Errorf("send %s frame: %w", f.Type, ErrNotConnected)
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	defer func() {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}()
	return p.codec.write(l.conn, f)
}

func (p *Provider) emit(event nearby.Event) {
	p.sinkMu.RLock()
	sink := p.sink
	p.sinkMu.RUnlock()
	if sink != nil {
		sink(event)
	}
}
