package nearby

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ConnectionState is the negotiation state of one endpoint.
type ConnectionState string

const (
	StateIdle         ConnectionState = "IDLE"
	StatePending      ConnectionState = "PENDING"
	StateConnected    ConnectionState = "CONNECTED"
	StateRejected     ConnectionState = "REJECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Decision is the local answer to a pending connection.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Negotiation is the connection record for one endpoint.
type Negotiation struct {
	EndpointID          string
	EndpointName        string
	State               ConnectionState
	Incoming            bool
	AuthenticationToken string
	Decision            Decision
	LastStatus          StatusCode
	UpdatedAt           time.Time
}

// Negotiator drives each endpoint through request, accept/reject and
// resolution. Terminal states are re-requestable.
type Negotiator struct {
	mu      sync.Mutex
	records map[string]*Negotiation
	now     func() time.Time
}

// NewNegotiator returns a negotiator with no records.
func NewNegotiator() *Negotiator {
	return &Negotiator{
		records: make(map[string]*Negotiation),
		now:     time.Now,
	}
}

// BeginOutgoing opens a local connection request to endpointID.
func (n *Negotiator) BeginOutgoing(endpointID, endpointName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec != nil {
		switch rec.State {
		case StateConnected:
			return fmt.Errorf("request connection to %q: %w", endpointID, ErrAlreadyConnected)
		case StatePending:
			return fmt.Errorf("request connection to %q: %w", endpointID, ErrNegotiationPending)
		}
	}

	n.records[endpointID] = &Negotiation{
		EndpointID:   endpointID,
		EndpointName: endpointName,
		State:        StatePending,
		UpdatedAt:    n.now(),
	}
	return nil
}

// Initiated records the transport's connection-initiated callback. It
// returns false when the endpoint is already connected.
func (n *Negotiator) Initiated(endpointID, endpointName, token string, incoming bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec != nil && rec.State == StateConnected {
		return false
	}
	if rec == nil {
		rec = &Negotiation{EndpointID: endpointID}
		n.records[endpointID] = rec
	}
	if endpointName != "" {
		rec.EndpointName = endpointName
	}
	// An answer given while the request was still pending carries over.
	if rec.State != StatePending {
		rec.Decision = DecisionNone
	}
	rec.State = StatePending
	rec.Incoming = incoming
	rec.AuthenticationToken = token
	rec.UpdatedAt = n.now()
	return true
}

// Decide records the local accept/reject answer for a pending negotiation.
// The state stays pending until the transport resolves it.
func (n *Negotiator) Decide(endpointID string, accept bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil || rec.State != StatePending {
		return fmt.Errorf("answer connection from %q: %w", endpointID, ErrNoPendingConnection)
	}
	if rec.Decision != DecisionNone {
		return fmt.Errorf("answer connection from %q: %w", endpointID, ErrAlreadyDecided)
	}

	if accept {
		rec.Decision = DecisionAccepted
	} else {
		rec.Decision = DecisionRejected
	}
	rec.UpdatedAt = n.now()
	return nil
}

// Resolve applies a resolution status and returns its outcome. The
// authentication token is discarded.
func (n *Negotiator) Resolve(endpointID string, status StatusCode) Outcome {
	outcome := OutcomeFor(endpointID, status)

	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil {
		rec = &Negotiation{EndpointID: endpointID}
		n.records[endpointID] = rec
	}
	rec.State = outcome.State
	rec.LastStatus = status
	rec.AuthenticationToken = ""
	rec.Decision = DecisionNone
	rec.UpdatedAt = n.now()
	return outcome
}

// Disconnected moves a connected or pending endpoint to Disconnected and
// reports whether anything changed.
func (n *Negotiator) Disconnected(endpointID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil {
		return false
	}
	if rec.State != StateConnected && rec.State != StatePending {
		return false
	}
	rec.State = StateDisconnected
	rec.AuthenticationToken = ""
	rec.Decision = DecisionNone
	rec.UpdatedAt = n.now()
	return true
}

// Abort returns a pending negotiation to Disconnected after the transport
// refused the command that opened or answered it.
func (n *Negotiator) Abort(endpointID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil || rec.State != StatePending {
		return
	}
	rec.State = StateDisconnected
	rec.AuthenticationToken = ""
	rec.Decision = DecisionNone
	rec.UpdatedAt = n.now()
}

// Rediscovered resets a terminal record to Idle when the endpoint shows up again.
func (n *Negotiator) Rediscovered(endpointID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil {
		return
	}
	if rec.State == StateRejected || rec.State == StateDisconnected {
		delete(n.records, endpointID)
	}
}

// State returns the state for endpointID; unknown endpoints are Idle.
func (n *Negotiator) State(endpointID string) ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rec := n.records[endpointID]; rec != nil {
		return rec.State
	}
	return StateIdle
}

// Pending returns a copy of the open negotiation for endpointID.
func (n *Negotiator) Pending(endpointID string) (Negotiation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := n.records[endpointID]
	if rec == nil || rec.State != StatePending {
		return Negotiation{}, false
	}
	return *rec, true
}

// Known reports whether endpointID has a record.
func (n *Negotiator) Known(endpointID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.records[endpointID]
	return ok
}

// Snapshot returns copies of all records ordered by endpoint id.
func (n *Negotiator) Snapshot() []Negotiation {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Negotiation, 0, len(n.records))
	for _, rec := range n.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Reset drops every record.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.records = make(map[string]*Negotiation)
	n.mu.Unlock()
}
