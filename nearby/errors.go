package nearby

import "errors"

var (
	// ErrNoSuchEndpoint indicates a command addressed an endpoint the session has never seen.
	ErrNoSuchEndpoint = errors.New("nearby: no such endpoint")
	// ErrAlreadyConnected indicates a connection request for an endpoint that is already connected.
	ErrAlreadyConnected = errors.New("nearby: endpoint already connected")
	// ErrNegotiationPending indicates a connection request while a negotiation is still open.
	ErrNegotiationPending = errors.New("nearby: connection negotiation already pending")
	// ErrNoPendingConnection indicates accept/reject without an open negotiation.
	ErrNoPendingConnection = errors.New("nearby: no pending connection")
	// ErrAlreadyDecided indicates a second accept/reject for the same negotiation.
	ErrAlreadyDecided = errors.New("nearby: connection already accepted or rejected")
	// ErrEmptyPayload indicates an attempt to send an empty message.
	ErrEmptyPayload = errors.New("nearby: payload is empty")
	// ErrSessionNotStarted indicates a command issued before Start.
	ErrSessionNotStarted = errors.New("nearby: session not started")
	// ErrSessionClosed indicates a command issued after Close.
	ErrSessionClosed = errors.New("nearby: session closed")
)
