package nearby

// Command names a provider operation in logs and CommandFailed events.
type Command string

const (
	CommandStartAdvertising  Command = "start_advertising"
	CommandStartDiscovery    Command = "start_discovery"
	CommandRequestConnection Command = "request_connection"
	CommandAcceptConnection  Command = "accept_connection"
	CommandRejectConnection  Command = "reject_connection"
	CommandSendPayload       Command = "send_payload"
)

// Result is the asynchronous outcome of a provider command. It yields one
// value (nil on success) and is then closed. A closed empty Result is success.
type Result <-chan error

// Done returns an already completed Result.
func Done(err error) Result {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

// Sink receives raw transport callbacks. It never blocks and must not call
// back into the provider.
type Sink func(Event)

// Provider is the device-to-device transport capability: discovery,
// advertising, connection establishment and byte payload delivery.
//
// Commands return immediately; their outcome arrives on the returned Result.
// Stop and Disconnect calls are idempotent no-ops when nothing is active.
type Provider interface {
	Bind(sink Sink)

	StartAdvertising(name, serviceID string) Result
	StopAdvertising()
	StartDiscovery(serviceID string) Result
	StopDiscovery()

	RequestConnection(name, endpointID string) Result
	AcceptConnection(endpointID string) Result
	RejectConnection(endpointID string) Result
	Disconnect(endpointID string)

	SendPayload(endpointID string, payload []byte) Result
}
