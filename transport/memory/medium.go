// Package memory implements an in-process radio medium. Every Device on a
// Medium is a nearby.Provider; devices see each other when one advertises and
// the other discovers the same service id while both are in range.
package memory

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"helphub/nearby"
)

const DefaultDecisionTimeout = 30 * time.Second

var (
	ErrUnknownDevice       = errors.New("memory: unknown device")
	ErrUnreachable         = errors.New("memory: endpoint not reachable")
	ErrNegotiationPending  = errors.New("memory: negotiation already pending")
	ErrNoPendingConnection = errors.New("memory: no pending connection")
	ErrNotConnected        = errors.New("memory: endpoint not connected")
	ErrDeviceExists        = errors.New("memory: device id already in use")
)

// Medium is the shared air between simulated devices. All callbacks are
// emitted while the medium lock is held, so every device observes events in
// one global order.
type Medium struct {
	mu              sync.Mutex
	devices         map[string]*Device
	decisionTimeout time.Duration
	logger          *zap.Logger
	tokenFn         func() string
}

// Option customizes a Medium.
type Option func(*Medium)

// WithDecisionTimeout bounds how long a negotiation waits for both answers
// before resolving with StatusTimeout.
func WithDecisionTimeout(timeout time.Duration) Option {
	return func(m *Medium) {
		if timeout > 0 {
			m.decisionTimeout = timeout
		}
	}
}

// WithLogger sets the medium's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Medium) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTokenFunc replaces the random authentication token generator.
func WithTokenFunc(fn func() string) Option {
	return func(m *Medium) {
		if fn != nil {
			m.tokenFn = fn
		}
	}
}

// NewMedium returns an empty medium.
func NewMedium(opts ...Option) *Medium {
	m := &Medium{
		devices:         make(map[string]*Device),
		decisionTimeout: DefaultDecisionTimeout,
		logger:          zap.NewNop(),
		tokenFn:         randomToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDevice attaches a device with the given endpoint id.
func (m *Medium) NewDevice(endpointID string) (*Device, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[endpointID]; exists {
		return nil, fmt.Errorf("add device %q: %w", endpointID, ErrDeviceExists)
	}
	d := &Device{
		medium:  m,
		id:      endpointID,
		inRange: true,
		visible: make(map[string]string),
		links:   make(map[string]*link),
		failing: make(map[nearby.Command]error),
	}
	m.devices[endpointID] = d
	return d, nil
}

// Device returns an attached device.
func (m *Medium) Device(endpointID string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[endpointID]
	return d, ok
}

// SetInRange moves a device in or out of radio range. Leaving range hides it
// from discovery, breaks its connections and fails its open negotiations
// with StatusNetworkError.
func (m *Medium) SetInRange(endpointID string, inRange bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[endpointID]
	if !ok {
		return fmt.Errorf("set range of %q: %w", endpointID, ErrUnknownDevice)
	}
	if d.inRange == inRange {
		return nil
	}
	d.inRange = inRange
	if !inRange {
		for peerID, l := range d.links {
			m.breakLinkLocked(l, d.id, peerID)
		}
	}
	m.refreshVisibilityLocked()
	return nil
}

// Sever drops the link between two devices as if the radio failed. Both
// sides observe the loss.
func (m *Medium) Sever(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	da, ok := m.devices[a]
	if !ok {
		return
	}
	if l, ok := da.links[b]; ok {
		m.breakLinkLocked(l, a, b)
	}
}

// link is the shared negotiation and connection between two devices.
type link struct {
	initiator *Device
	target    *Device
	token     string
	accepted  map[string]bool
	connected bool
	timer     *time.Timer
}

func (l *link) peerOf(id string) *Device {
	if l.initiator.id == id {
		return l.target
	}
	return l.initiator
}

func (m *Medium) breakLinkLocked(l *link, a, b string) {
	m.dropLinkLocked(l)
	if l.connected {
		m.devices[a].emit(nearby.Disconnected{EndpointID: b})
		m.devices[b].emit(nearby.Disconnected{EndpointID: a})
		return
	}
	m.devices[a].emit(nearby.ConnectionResolved{EndpointID: b, Status: nearby.StatusNetworkError})
	m.devices[b].emit(nearby.ConnectionResolved{EndpointID: a, Status: nearby.StatusNetworkError})
}

func (m *Medium) dropLinkLocked(l *link) {
	if l.timer != nil {
		l.timer.Stop()
	}
	if current := l.initiator.links[l.target.id]; current == l {
		delete(l.initiator.links, l.target.id)
	}
	if current := l.target.links[l.initiator.id]; current == l {
		delete(l.target.links, l.initiator.id)
	}
}

func (m *Medium) resolveLocked(l *link, status nearby.StatusCode) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if status == nearby.StatusOK {
		l.connected = true
	} else {
		m.dropLinkLocked(l)
	}

	m.logger.Debug("negotiation resolved",
		zap.String("initiator", l.initiator.id),
		zap.String("target", l.target.id),
		zap.Stringer("status", status),
	)
	l.initiator.emit(nearby.ConnectionResolved{EndpointID: l.target.id, Status: status})
	l.target.emit(nearby.ConnectionResolved{EndpointID: l.initiator.id, Status: status})
}

func (m *Medium) expire(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.connected || l.initiator.links[l.target.id] != l {
		return
	}
	m.resolveLocked(l, nearby.StatusTimeout)
}

// refreshVisibilityLocked recomputes what every discovering device can see
// and emits found/lost callbacks for the difference.
func (m *Medium) refreshVisibilityLocked() {
	for _, observer := range m.devices {
		next := make(map[string]string)
		if observer.discovering && observer.inRange {
			for _, other := range m.devices {
				if other == observer || !other.advertising || !other.inRange {
					continue
				}
				if other.advertisedService != observer.discoveryService {
					continue
				}
				next[other.id] = other.advertisedName
			}
		}

		for id := range observer.visible {
			if _, ok := next[id]; !ok {
				observer.emit(nearby.DeviceLost{EndpointID: id})
			}
		}
		for id, name := range next {
			if prev, ok := observer.visible[id]; ok && prev == name {
				continue
			}
			observer.emit(nearby.DeviceDiscovered{
				EndpointID:   id,
				ServiceID:    observer.discoveryService,
				EndpointName: name,
			})
		}
		observer.visible = next
	}
}

func randomToken() string {
	return fmt.Sprintf("%04d", rand.Intn(10000))
}
