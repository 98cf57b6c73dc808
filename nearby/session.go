package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"helphub/models"
)

const (
	// DefaultDisplayName is advertised when no name is configured.
	DefaultDisplayName = "HelphubUser"
	// DefaultServiceID scopes advertising and discovery.
	DefaultServiceID = "helphub"
)

// Options configures a Session.
type Options struct {
	Provider    Provider
	DisplayName string
	ServiceID   string
	Logger      *zap.Logger
	// Archive is optional. It is fed from the dispatcher goroutine.
	Archive Archive
}

// Session owns the registry, negotiator, message store and dispatcher for
// one stretch of offline mode. Start it when entering offline mode and Close
// it when leaving; Close clears all session state.
type Session struct {
	id      string
	options Options
	logger  *zap.Logger

	registry   *Registry
	negotiator *Negotiator
	messages   *MessageStore
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu     sync.Mutex
	started     bool
	closed      bool
	advertising bool
	discovering bool

	archiveSub *Subscription

	// appendMu orders message appends with their dispatcher posts so the
	// log and the inbox agree on arrival order.
	appendMu sync.Mutex
	sealed   bool
}

// NewSession validates options and builds a session that is not yet started.
func NewSession(options Options) (*Session, error) {
	if options.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if options.DisplayName == "" {
		options.DisplayName = DefaultDisplayName
	}
	if options.ServiceID == "" {
		options.ServiceID = DefaultServiceID
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		options:    options,
		logger:     options.Logger.With(zap.String("session_id", id)),
		registry:   NewRegistry(),
		negotiator: NewNegotiator(),
		messages:   NewMessageStore(),
	}
	s.dispatcher = NewDispatcher(s.logger, s.apply)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DisplayName returns the configured advertised name.
func (s *Session) DisplayName() string {
	return s.options.DisplayName
}

// Events returns the dispatcher listeners subscribe to.
func (s *Session) Events() *Dispatcher {
	return s.dispatcher
}

// Start binds the provider and begins event delivery.
func (s *Session) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.options.Archive != nil {
		if err := s.options.Archive.BeginSession(s.id, s.options.DisplayName, time.Now().UnixMilli()); err != nil {
			s.cancel()
			return fmt.Errorf("begin archive session: %w", err)
		}
		s.archiveSub = s.dispatcher.SubscribeAll(s.archiveEvent)
	}

	s.dispatcher.Start()
	s.options.Provider.Bind(s.deliver)
	s.started = true
	s.logger.Info("offline session started", zap.String("display_name", s.options.DisplayName))
	return nil
}

// Close tears the session down: advertising and discovery stop, live
// connections are dropped, queued events are delivered and all state is
// cleared. It must not be called from a listener.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if !s.started || s.closed {
		s.closed = true
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.advertising = false
	s.discovering = false
	s.stateMu.Unlock()

	s.appendMu.Lock()
	s.sealed = true
	s.appendMu.Unlock()

	provider := s.options.Provider
	provider.StopAdvertising()
	provider.StopDiscovery()

	for _, id := range s.activeEndpoints() {
		provider.Disconnect(id)
		s.negotiator.Disconnected(id)
		s.registry.MarkDisconnected(id)
		s.dispatcher.Post(Disconnected{EndpointID: id, Local: true})
	}

	s.cancel()
	s.wg.Wait()
	s.dispatcher.Close()
	provider.Bind(nil)

	var archiveErr error
	if s.options.Archive != nil {
		s.archiveSub.Unsubscribe()
		archiveErr = s.options.Archive.EndSession(s.id, time.Now().UnixMilli())
	}

	s.registry.Reset()
	s.negotiator.Reset()
	s.messages.Reset()
	s.logger.Info("offline session closed")

	if archiveErr != nil {
		return fmt.Errorf("end archive session: %w", archiveErr)
	}
	return nil
}

// Sync waits until every event delivered to the session so far has reached listeners.
func (s *Session) Sync(ctx context.Context) error {
	return s.dispatcher.Sync(ctx)
}

// StartAdvertising makes this device visible under displayName. A second
// call while advertising is a no-op.
func (s *Session) StartAdvertising(displayName string) error {
	if displayName == "" {
		displayName = s.options.DisplayName
	}

	s.stateMu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.advertising {
		s.stateMu.Unlock()
		return nil
	}
	s.advertising = true
	s.stateMu.Unlock()

	res := s.options.Provider.StartAdvertising(displayName, s.options.ServiceID)
	s.watch(CommandStartAdvertising, "", res, func(err error) {
		if err == nil {
			return
		}
		s.stateMu.Lock()
		s.advertising = false
		s.stateMu.Unlock()
	})
	return nil
}

// StopAdvertising is safe to call when not advertising.
func (s *Session) StopAdvertising() {
	s.stateMu.Lock()
	s.advertising = false
	s.stateMu.Unlock()
	s.options.Provider.StopAdvertising()
}

// StartDiscovery begins looking for endpoints. A second call while
// discovering is a no-op.
func (s *Session) StartDiscovery() error {
	s.stateMu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.discovering {
		s.stateMu.Unlock()
		return nil
	}
	s.discovering = true
	s.stateMu.Unlock()

	res := s.options.Provider.StartDiscovery(s.options.ServiceID)
	s.watch(CommandStartDiscovery, "", res, func(err error) {
		if err == nil {
			return
		}
		s.stateMu.Lock()
		s.discovering = false
		s.stateMu.Unlock()
	})
	return nil
}

// StopDiscovery is safe to call when not discovering.
func (s *Session) StopDiscovery() {
	s.stateMu.Lock()
	s.discovering = false
	s.stateMu.Unlock()
	s.options.Provider.StopDiscovery()
}

// Advertising reports whether advertising is believed to be active.
func (s *Session) Advertising() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.advertising
}

// Discovering reports whether discovery is believed to be active.
func (s *Session) Discovering() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.discovering
}

// RequestConnection asks endpointID to connect, advertising displayName to it.
func (s *Session) RequestConnection(displayName, endpointID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.known(endpointID) {
		return fmt.Errorf("request connection to %q: %w", endpointID, ErrNoSuchEndpoint)
	}
	if displayName == "" {
		displayName = s.options.DisplayName
	}

	endpoint, _ := s.registry.Lookup(endpointID)
	if err := s.negotiator.BeginOutgoing(endpointID, endpoint.Name); err != nil {
		return err
	}

	res := s.options.Provider.RequestConnection(displayName, endpointID)
	s.watch(CommandRequestConnection, endpointID, res, func(err error) {
		if err != nil {
			s.negotiator.Abort(endpointID)
		}
	})
	return nil
}

// AcceptConnection accepts the pending negotiation with endpointID.
func (s *Session) AcceptConnection(endpointID string) error {
	return s.answer(endpointID, true)
}

// RejectConnection rejects the pending negotiation with endpointID.
func (s *Session) RejectConnection(endpointID string) error {
	return s.answer(endpointID, false)
}

func (s *Session) answer(endpointID string, accept bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.known(endpointID) {
		return fmt.Errorf("answer connection from %q: %w", endpointID, ErrNoSuchEndpoint)
	}
	if err := s.negotiator.Decide(endpointID, accept); err != nil {
		return err
	}

	command := CommandAcceptConnection
	res := Result(nil)
	if accept {
		res = s.options.Provider.AcceptConnection(endpointID)
	} else {
		command = CommandRejectConnection
		res = s.options.Provider.RejectConnection(endpointID)
	}
	s.watch(command, endpointID, res, func(err error) {
		if err != nil {
			s.negotiator.Abort(endpointID)
		}
	})
	return nil
}

// Disconnect drops the connection to endpointID. It is forwarded to the
// provider even when nothing is connected.
func (s *Session) Disconnect(endpointID string) {
	if s.checkOpen() != nil {
		return
	}

	s.options.Provider.Disconnect(endpointID)

	changed := s.negotiator.Disconnected(endpointID)
	wasConnected := s.registry.IsConnected(endpointID)
	s.registry.MarkDisconnected(endpointID)
	if changed || wasConnected {
		s.dispatcher.Post(Disconnected{EndpointID: endpointID, Local: true})
	}
}

// SendPayload records content as sent and hands it to the provider without
// waiting for delivery. The returned message has status queued.
func (s *Session) SendPayload(endpointID, content string) (models.Message, error) {
	if err := s.checkOpen(); err != nil {
		return models.Message{}, err
	}
	if content == "" {
		return models.Message{}, fmt.Errorf("send to %q: %w", endpointID, ErrEmptyPayload)
	}
	if !s.known(endpointID) {
		return models.Message{}, fmt.Errorf("send to %q: %w", endpointID, ErrNoSuchEndpoint)
	}

	s.appendMu.Lock()
	if s.sealed {
		s.appendMu.Unlock()
		return models.Message{}, ErrSessionClosed
	}
	message := s.messages.Append(endpointID, models.DirectionSent, content)
	s.dispatcher.Post(PayloadQueued{EndpointID: endpointID, Message: message})
	s.appendMu.Unlock()

	res := s.options.Provider.SendPayload(endpointID, []byte(content))
	s.watch(CommandSendPayload, endpointID, res, func(err error) {
		status := models.StatusSent
		if err != nil {
			status = models.StatusFailed
		}
		updated, ok := s.messages.SetStatus(endpointID, message.Sequence, status)
		if !ok {
			return
		}
		s.dispatcher.Post(PayloadSent{EndpointID: endpointID, Message: updated})
	})
	return message, nil
}

// GetDiscoveredEndpoints returns the visible endpoints.
func (s *Session) GetDiscoveredEndpoints() []models.Endpoint {
	return s.registry.Discovered()
}

// GetMessages maps each endpoint with a log to its last message content.
func (s *Session) GetMessages() map[string]string {
	return s.messages.Previews()
}

// GetEndpointMessage returns the last message content for endpointID.
func (s *Session) GetEndpointMessage(endpointID string) (string, bool) {
	message, ok := s.messages.LastMessage(endpointID)
	if !ok {
		return "", false
	}
	return message.Content, true
}

// LastMessage returns the newest message exchanged with endpointID.
func (s *Session) LastMessage(endpointID string) (models.Message, bool) {
	return s.messages.LastMessage(endpointID)
}

// Messages returns endpointID's full log.
func (s *Session) Messages(endpointID string) []models.Message {
	return s.messages.AllForEndpoint(endpointID)
}

// IsConnected reports whether endpointID is connected.
func (s *Session) IsConnected(endpointID string) bool {
	return s.registry.IsConnected(endpointID)
}

// ConnectedEndpoints returns the ids of connected endpoints.
func (s *Session) ConnectedEndpoints() []string {
	return s.registry.Connected()
}

// State returns the negotiation state of endpointID.
func (s *Session) State(endpointID string) ConnectionState {
	return s.negotiator.State(endpointID)
}

// PendingConnection returns the open negotiation with endpointID.
func (s *Session) PendingConnection(endpointID string) (Negotiation, bool) {
	return s.negotiator.Pending(endpointID)
}

// Negotiations returns every connection record.
func (s *Session) Negotiations() []Negotiation {
	return s.negotiator.Snapshot()
}

// deliver is the provider sink. Received payloads are logged here, on the
// transport's goroutine, so a payload that arrives before a local send is
// logged before it.
func (s *Session) deliver(event Event) {
	received, ok := event.(PayloadReceived)
	if !ok {
		s.dispatcher.Post(event)
		return
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.sealed {
		return
	}
	received.Message = s.messages.Append(received.EndpointID, models.DirectionReceived, received.Content)
	s.dispatcher.Post(received)
}

// apply runs on the dispatcher goroutine and folds one transport event into
// session state. Returning false hides the event from listeners.
func (s *Session) apply(event Event) (Event, bool) {
	switch e := event.(type) {
	case DeviceDiscovered:
		if e.EndpointID == "" {
			return nil, false
		}
		if !s.registry.UpsertDiscovered(models.Endpoint{ID: e.EndpointID, Name: e.EndpointName}) {
			return nil, false
		}
		s.negotiator.Rediscovered(e.EndpointID)
		s.logger.Debug("endpoint discovered",
			zap.String("endpoint_id", e.EndpointID),
			zap.String("endpoint_name", e.EndpointName),
			zap.String("service_id", e.ServiceID),
		)
		return e, true

	case DeviceLost:
		if !s.registry.RemoveDiscovered(e.EndpointID) {
			return nil, false
		}
		s.logger.Debug("endpoint lost", zap.String("endpoint_id", e.EndpointID))
		return e, true

	case ConnectionInitiated:
		if e.EndpointName == "" {
			if endpoint, ok := s.registry.Lookup(e.EndpointID); ok {
				e.EndpointName = endpoint.Name
			}
		}
		if !s.negotiator.Initiated(e.EndpointID, e.EndpointName, e.AuthenticationToken, e.IsIncomingConnection) {
			s.logger.Warn("ignoring connection initiation for connected endpoint", zap.String("endpoint_id", e.EndpointID))
			return nil, false
		}
		s.logger.Debug("connection initiated",
			zap.String("endpoint_id", e.EndpointID),
			zap.Bool("incoming", e.IsIncomingConnection),
		)
		return e, true

	case ConnectionResolved:
		e.Outcome = s.negotiator.Resolve(e.EndpointID, e.Status)
		fields := []zap.Field{
			zap.String("endpoint_id", e.EndpointID),
			zap.Stringer("status", e.Status),
			zap.String("state", string(e.Outcome.State)),
		}
		switch e.Outcome.State {
		case StateConnected:
			s.registry.MarkConnected(e.EndpointID)
			s.messages.Ensure(e.EndpointID)
			s.logger.Info("connected to endpoint", fields...)
		case StateRejected:
			s.registry.MarkDisconnected(e.EndpointID)
			s.logger.Info("connection rejected", fields...)
		default:
			s.registry.MarkDisconnected(e.EndpointID)
			s.logger.Warn("connection failed", fields...)
		}
		return e, true

	case Disconnected:
		s.negotiator.Disconnected(e.EndpointID)
		s.registry.MarkDisconnected(e.EndpointID)
		s.logger.Info("endpoint disconnected", zap.String("endpoint_id", e.EndpointID), zap.Bool("local", e.Local))
		return e, true

	case CommandFailed:
		s.logger.Warn("transport command failed",
			zap.String("command", string(e.Command)),
			zap.String("endpoint_id", e.EndpointID),
			zap.Error(e.Err),
		)
		return e, true

	default:
		return event, true
	}
}

// watch waits for res off the caller's goroutine. onDone sees the command
// error (nil on success); failures are then posted as CommandFailed.
func (s *Session) watch(command Command, endpointID string, res Result, onDone func(error)) {
	if res == nil {
		onDone(nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var err error
		select {
		case result, ok := <-res:
			if ok {
				err = result
			}
		case <-s.ctx.Done():
			return
		}

		if onDone != nil {
			onDone(err)
		}
		if err == nil {
			s.logger.Debug("transport command succeeded",
				zap.String("command", string(command)),
				zap.String("endpoint_id", endpointID),
			)
			return
		}
		s.dispatcher.Post(CommandFailed{Command: command, EndpointID: endpointID, Err: err})
	}()
}

func (s *Session) known(endpointID string) bool {
	if endpointID == "" {
		return false
	}
	if _, ok := s.registry.Lookup(endpointID); ok {
		return true
	}
	return s.negotiator.Known(endpointID) || s.messages.Has(endpointID)
}

func (s *Session) activeEndpoints() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range s.registry.Connected() {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, rec := range s.negotiator.Snapshot() {
		if rec.State != StatePending && rec.State != StateConnected {
			continue
		}
		if _, ok := seen[rec.EndpointID]; ok {
			continue
		}
		seen[rec.EndpointID] = struct{}{}
		out = append(out, rec.EndpointID)
	}
	return out
}

func (s *Session) checkOpen() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.checkOpenLocked()
}

func (s *Session) checkOpenLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return ErrSessionNotStarted
	}
	return nil
}
