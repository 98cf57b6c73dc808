package models

// Direction tells whether a message was sent by this device or received from a peer.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// MessageStatus tracks the local delivery state of a message.
type MessageStatus string

const (
	// StatusQueued is an outgoing message handed to the transport without a reply yet.
	StatusQueued MessageStatus = "queued"
	// StatusSent means the transport accepted the outgoing payload.
	StatusSent MessageStatus = "sent"
	// StatusFailed means the transport reported the send as failed.
	StatusFailed MessageStatus = "failed"
	// StatusReceived marks an incoming message.
	StatusReceived MessageStatus = "received"
)

// Message is one entry of an endpoint's ordered payload log.
type Message struct {
	EndpointID string        `json:"endpoint_id"`
	Direction  Direction     `json:"direction"`
	Content    string        `json:"content"`
	Sequence   uint64        `json:"sequence"`
	Timestamp  int64         `json:"timestamp"`
	Status     MessageStatus `json:"status"`
}
