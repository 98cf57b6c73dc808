package nearby

import (
	"errors"
	"testing"
)

func TestNegotiatorOutgoingLifecycle(t *testing.T) {
	negotiator := NewNegotiator()

	if got := negotiator.State("E1"); got != StateIdle {
		t.Fatalf("expected idle for unknown endpoint, got %s", got)
	}
	if err := negotiator.BeginOutgoing("E1", "Phone-A"); err != nil {
		t.Fatalf("BeginOutgoing failed: %v", err)
	}
	if err := negotiator.BeginOutgoing("E1", "Phone-A"); !errors.Is(err, ErrNegotiationPending) {
		t.Fatalf("expected ErrNegotiationPending, got %v", err)
	}

	if !negotiator.Initiated("E1", "", "1234", false) {
		t.Fatalf("expected initiation to apply")
	}
	pending, ok := negotiator.Pending("E1")
	if !ok || pending.AuthenticationToken != "1234" || pending.Incoming {
		t.Fatalf("unexpected pending record %+v", pending)
	}
	if pending.EndpointName != "Phone-A" {
		t.Fatalf("expected name to be kept, got %q", pending.EndpointName)
	}

	if err := negotiator.Decide("E1", true); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if err := negotiator.Decide("E1", false); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if negotiator.State("E1") != StatePending {
		t.Fatalf("decision alone must not resolve")
	}

	outcome := negotiator.Resolve("E1", StatusOK)
	if outcome.State != StateConnected || outcome.Alert == nil || outcome.Alert.Title != "Connection Successful" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	rec := negotiator.Snapshot()[0]
	if rec.AuthenticationToken != "" {
		t.Fatalf("token must be discarded on resolution")
	}
	if err := negotiator.BeginOutgoing("E1", "Phone-A"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if negotiator.Initiated("E1", "Phone-A", "9999", true) {
		t.Fatalf("initiation for a connected endpoint must be ignored")
	}

	if !negotiator.Disconnected("E1") {
		t.Fatalf("expected disconnect to change state")
	}
	if negotiator.Disconnected("E1") {
		t.Fatalf("second disconnect must be a no-op")
	}
	if err := negotiator.BeginOutgoing("E1", "Phone-A"); err != nil {
		t.Fatalf("expected re-request after disconnect, got %v", err)
	}
}

func TestNegotiatorTimeoutIsReRequestable(t *testing.T) {
	negotiator := NewNegotiator()

	outcome := negotiator.Resolve("E2", StatusTimeout)
	if outcome.State != StateDisconnected || !outcome.Retryable {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if negotiator.State("E2") != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", negotiator.State("E2"))
	}
	if err := negotiator.BeginOutgoing("E2", ""); err != nil {
		t.Fatalf("expected fresh request to succeed, got %v", err)
	}
}

func TestNegotiatorDecideRequiresPending(t *testing.T) {
	negotiator := NewNegotiator()

	if err := negotiator.Decide("nobody", true); !errors.Is(err, ErrNoPendingConnection) {
		t.Fatalf("expected ErrNoPendingConnection, got %v", err)
	}
	negotiator.Resolve("E1", StatusRejected)
	if err := negotiator.Decide("E1", true); !errors.Is(err, ErrNoPendingConnection) {
		t.Fatalf("expected ErrNoPendingConnection after rejection, got %v", err)
	}
}

func TestNegotiatorAbortAndRediscovery(t *testing.T) {
	negotiator := NewNegotiator()

	negotiator.BeginOutgoing("E1", "Phone-A")
	negotiator.Abort("E1")
	if negotiator.State("E1") != StateDisconnected {
		t.Fatalf("expected abort to disconnect, got %s", negotiator.State("E1"))
	}

	negotiator.Rediscovered("E1")
	if negotiator.Known("E1") {
		t.Fatalf("rediscovery must clear terminal record")
	}

	negotiator.BeginOutgoing("E3", "")
	negotiator.Resolve("E3", StatusOK)
	negotiator.Rediscovered("E3")
	if negotiator.State("E3") != StateConnected {
		t.Fatalf("rediscovery must not touch live connections")
	}

	negotiator.Reset()
	if len(negotiator.Snapshot()) != 0 {
		t.Fatalf("expected no records after reset")
	}
}

func TestOutcomeTable(t *testing.T) {
	tests := []struct {
		status    StatusCode
		state     ConnectionState
		title     string
		retryable bool
	}{
		{StatusOK, StateConnected, "Connection Successful", false},
		{StatusRejected, StateRejected, "", false},
		{StatusError, StateDisconnected, "Connection Lost", true},
		{StatusNetworkError, StateDisconnected, "Connection Lost", true},
		{StatusTimeout, StateDisconnected, "Connection Failed", true},
		{StatusCancelled, StateDisconnected, "Connection Lost", true},
		{StatusAlreadyConnected, StateDisconnected, "Connection Failed", false},
		{StatusCode(42), StateDisconnected, "Connection Failed", true},
	}

	for _, tc := range tests {
		t.Run(tc.status.String(), func(t *testing.T) {
			outcome := OutcomeFor("E9", tc.status)
			if outcome.State != tc.state {
				t.Fatalf("expected state %s, got %s", tc.state, outcome.State)
			}
			if outcome.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, outcome.Retryable)
			}
			if tc.title == "" {
				if outcome.Alert != nil {
					t.Fatalf("expected no alert, got %+v", outcome.Alert)
				}
				return
			}
			if outcome.Alert == nil || outcome.Alert.Title != tc.title {
				t.Fatalf("expected alert %q, got %+v", tc.title, outcome.Alert)
			}
		})
	}
}

func TestNegotiatorEarlyDecisionSurvivesInitiation(t *testing.T) {
	negotiator := NewNegotiator()

	if err := negotiator.BeginOutgoing("E1", "Phone-A"); err != nil {
		t.Fatalf("BeginOutgoing failed: %v", err)
	}
	if err := negotiator.Decide("E1", true); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	negotiator.Initiated("E1", "", "4321", false)
	if err := negotiator.Decide("E1", true); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided after initiation, got %v", err)
	}

	negotiator.Resolve("E1", StatusRejected)
	negotiator.Initiated("E1", "", "5678", true)
	if err := negotiator.Decide("E1", false); err != nil {
		t.Fatalf("new negotiation must start undecided, got %v", err)
	}
}
