package nearby

import "helphub/models"

// Kind identifies an event type on the dispatcher.
type Kind string

const (
	KindDeviceDiscovered        Kind = "device_discovered"
	KindDeviceLost              Kind = "device_lost"
	KindConnectionInitiated     Kind = "connection_initiated"
	KindConnectionResolved      Kind = "connection_resolved"
	KindDisconnected            Kind = "disconnected"
	KindPayloadReceived         Kind = "payload_received"
	KindPayloadTransferProgress Kind = "payload_transfer_progress"
	KindPayloadQueued           Kind = "payload_queued"
	KindPayloadSent             Kind = "payload_sent"
	KindCommandFailed           Kind = "command_failed"
)

// Event is implemented by every value posted to the dispatcher.
// Implementations are value types so the zero value reports its Kind.
type Event interface {
	Kind() Kind
	Endpoint() string
}

// DeviceDiscovered reports a newly visible endpoint.
type DeviceDiscovered struct {
	EndpointID   string
	ServiceID    string
	EndpointName string
}

func (DeviceDiscovered) Kind() Kind         { return KindDeviceDiscovered }
func (e DeviceDiscovered) Endpoint() string { return e.EndpointID }

// DeviceLost reports an endpoint that left discovery range.
type DeviceLost struct {
	EndpointID string
}

func (DeviceLost) Kind() Kind         { return KindDeviceLost }
func (e DeviceLost) Endpoint() string { return e.EndpointID }

// ConnectionInitiated starts a negotiation. Both sides must accept.
type ConnectionInitiated struct {
	EndpointID           string
	EndpointName         string
	AuthenticationToken  string
	IsIncomingConnection bool
}

func (ConnectionInitiated) Kind() Kind         { return KindConnectionInitiated }
func (e ConnectionInitiated) Endpoint() string { return e.EndpointID }

// ConnectionResolved reports the end of a negotiation.
// Outcome is filled in by the session before delivery to listeners.
type ConnectionResolved struct {
	EndpointID string
	Status     StatusCode
	Outcome    Outcome
}

func (ConnectionResolved) Kind() Kind         { return KindConnectionResolved }
func (e ConnectionResolved) Endpoint() string { return e.EndpointID }

// Disconnected reports a lost or closed connection.
// Local is set when the disconnect was issued from this device.
type Disconnected struct {
	EndpointID string
	Local      bool
}

func (Disconnected) Kind() Kind         { return KindDisconnected }
func (e Disconnected) Endpoint() string { return e.EndpointID }

// PayloadReceived carries an incoming message. Providers fill Content;
// the session records it and fills Message.
type PayloadReceived struct {
	EndpointID string
	Content    string
	Message    models.Message
}

func (PayloadReceived) Kind() Kind         { return KindPayloadReceived }
func (e PayloadReceived) Endpoint() string { return e.EndpointID }

// PayloadTransferProgress reports transfer state for a payload.
type PayloadTransferProgress struct {
	EndpointID string
	Status     PayloadTransferStatus
}

func (PayloadTransferProgress) Kind() Kind         { return KindPayloadTransferProgress }
func (e PayloadTransferProgress) Endpoint() string { return e.EndpointID }

// PayloadQueued is posted when an outgoing message is recorded, before the
// transport answers. Message.Status is queued.
type PayloadQueued struct {
	EndpointID string
	Message    models.Message
}

func (PayloadQueued) Kind() Kind         { return KindPayloadQueued }
func (e PayloadQueued) Endpoint() string { return e.EndpointID }

// PayloadSent is posted once the transport has answered an outgoing payload.
// Message.Status is sent or failed.
type PayloadSent struct {
	EndpointID string
	Message    models.Message
}

func (PayloadSent) Kind() Kind         { return KindPayloadSent }
func (e PayloadSent) Endpoint() string { return e.EndpointID }

// CommandFailed reports an asynchronous transport command failure.
type CommandFailed struct {
	Command    Command
	EndpointID string
	Err        error
}

func (CommandFailed) Kind() Kind         { return KindCommandFailed }
func (e CommandFailed) Endpoint() string { return e.EndpointID }

// barrier is an internal marker used by Dispatcher.Sync.
type barrier struct {
	done chan struct{}
}

func (barrier) Kind() Kind       { return "" }
func (barrier) Endpoint() string { return "" }
