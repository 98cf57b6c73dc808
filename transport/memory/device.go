package memory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"helphub/nearby"
)

// Device is one simulated radio. It implements nearby.Provider.
type Device struct {
	medium *Medium
	id     string
	sink   nearby.Sink

	inRange bool

	advertising       bool
	advertisedName    string
	advertisedService string

	discovering      bool
	discoveryService string
	visible          map[string]string

	links   map[string]*link
	failing map[nearby.Command]error
}

var _ nearby.Provider = (*Device)(nil)

// ID returns the device's endpoint id.
func (d *Device) ID() string {
	return d.id
}

// FailCommand makes every later call of command complete with err. A nil err
// clears the failure.
func (d *Device) FailCommand(command nearby.Command, err error) {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	if err == nil {
		delete(d.failing, command)
		return
	}
	d.failing[command] = err
}

// Linked reports whether the device holds a connected link to endpointID.
func (d *Device) Linked(endpointID string) bool {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	l, ok := d.links[endpointID]
	return ok && l.connected
}

func (d *Device) Bind(sink nearby.Sink) {
	d.medium.mu.Lock()
	d.sink = sink
	d.medium.mu.Unlock()
}

func (d *Device) StartAdvertising(name, serviceID string) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandStartAdvertising); err != nil {
		return nearby.Done(err)
	}
	d.advertising = true
	d.advertisedName = name
	d.advertisedService = serviceID
	m.refreshVisibilityLocked()
	return nearby.Done(nil)
}

func (d *Device) StopAdvertising() {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.advertising {
		return
	}
	d.advertising = false
	m.refreshVisibilityLocked()
}

func (d *Device) StartDiscovery(serviceID string) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandStartDiscovery); err != nil {
		return nearby.Done(err)
	}
	d.discovering = true
	d.discoveryService = serviceID
	m.refreshVisibilityLocked()
	return nearby.Done(nil)
}

func (d *Device) StopDiscovery() {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.discovering {
		return
	}
	d.discovering = false
	d.visible = make(map[string]string)
}

// RequestConnection opens a negotiation with endpointID. Both sides receive
// ConnectionInitiated with the same token.
func (d *Device) RequestConnection(name, endpointID string) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandRequestConnection); err != nil {
		return nearby.Done(err)
	}

	target, ok := m.devices[endpointID]
	if !ok || target == d {
		return nearby.Done(fmt.Errorf("request connection to %q: %w", endpointID, ErrUnknownDevice))
	}
	if !d.inRange || !target.inRange || !target.advertising {
		return nearby.Done(fmt.Errorf("request connection to %q: %w", endpointID, ErrUnreachable))
	}

	if existing, ok := d.links[endpointID]; ok {
		if existing.connected {
			d.emit(nearby.ConnectionResolved{EndpointID: endpointID, Status: nearby.StatusAlreadyConnected})
			return nearby.Done(nil)
		}
		return nearby.Done(fmt.Errorf("request connection to %q: %w", endpointID, ErrNegotiationPending))
	}

	l := &link{
		initiator: d,
		target:    target,
		token:     m.tokenFn(),
		accepted:  make(map[string]bool),
	}
	d.links[endpointID] = l
	target.links[d.id] = l
	l.timer = time.AfterFunc(m.decisionTimeout, func() { m.expire(l) })

	m.logger.Debug("negotiation opened",
		zap.String("initiator", d.id),
		zap.String("target", endpointID),
	)
	d.emit(nearby.ConnectionInitiated{
		EndpointID:           endpointID,
		EndpointName:         target.advertisedName,
		AuthenticationToken:  l.token,
		IsIncomingConnection: false,
	})
	target.emit(nearby.ConnectionInitiated{
		EndpointID:           d.id,
		EndpointName:         name,
		AuthenticationToken:  l.token,
		IsIncomingConnection: true,
	})
	return nearby.Done(nil)
}

// AcceptConnection records acceptance. The link connects once both sides accept.
func (d *Device) AcceptConnection(endpointID string) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandAcceptConnection); err != nil {
		return nearby.Done(err)
	}
	l, ok := d.links[endpointID]
	if !ok || l.connected {
		return nearby.Done(fmt.Errorf("accept connection from %q: %w", endpointID, ErrNoPendingConnection))
	}

	l.accepted[d.id] = true
	if l.accepted[l.initiator.id] && l.accepted[l.target.id] {
		m.resolveLocked(l, nearby.StatusOK)
	}
	return nearby.Done(nil)
}

// RejectConnection resolves the negotiation as rejected on both sides.
func (d *Device) RejectConnection(endpointID string) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandRejectConnection); err != nil {
		return nearby.Done(err)
	}
	l, ok := d.links[endpointID]
	if !ok || l.connected {
		return nearby.Done(fmt.Errorf("reject connection from %q: %w", endpointID, ErrNoPendingConnection))
	}

	m.resolveLocked(l, nearby.StatusRejected)
	return nearby.Done(nil)
}

// Disconnect tears down the link to endpointID. Only the peer is notified:
// a connected peer sees Disconnected, a negotiating peer sees StatusCancelled.
func (d *Device) Disconnect(endpointID string) {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := d.links[endpointID]
	if !ok {
		return
	}
	m.dropLinkLocked(l)

	peer := l.peerOf(d.id)
	if l.connected {
		peer.emit(nearby.Disconnected{EndpointID: d.id})
		return
	}
	peer.emit(nearby.ConnectionResolved{EndpointID: d.id, Status: nearby.StatusCancelled})
}

// SendPayload delivers payload to a connected peer.
func (d *Device) SendPayload(endpointID string, payload []byte) nearby.Result {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := d.failingLocked(nearby.CommandSendPayload); err != nil {
		d.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferFailure})
		return nearby.Done(err)
	}
	l, ok := d.links[endpointID]
	if !ok || !l.connected {
		return nearby.Done(fmt.Errorf("send to %q: %w", endpointID, ErrNotConnected))
	}

	peer := l.peerOf(d.id)
	content := string(payload)

	d.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferInProgress})
	peer.emit(nearby.PayloadReceived{EndpointID: d.id, Content: content})
	peer.emit(nearby.PayloadTransferProgress{EndpointID: d.id, Status: nearby.TransferSuccess})
	d.emit(nearby.PayloadTransferProgress{EndpointID: endpointID, Status: nearby.TransferSuccess})
	return nearby.Done(nil)
}

func (d *Device) failingLocked(command nearby.Command) error {
	return d.failing[command]
}

func (d *Device) emit(event nearby.Event) {
	if d.sink != nil {
		d.sink(event)
	}
}
