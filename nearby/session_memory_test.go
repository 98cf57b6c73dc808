package nearby_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"helphub/models"
	"helphub/nearby"
	"helphub/transport/memory"
)

type peer struct {
	device  *memory.Device
	session *nearby.Session

	mu        sync.Mutex
	initiated []nearby.ConnectionInitiated
	resolved  []nearby.ConnectionResolved
}

func newPeer(t *testing.T, medium *memory.Medium, id, name string) *peer {
	t.Helper()

	device, err := medium.NewDevice(id)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	session, err := nearby.NewSession(nearby.Options{Provider: device, DisplayName: name})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	p := &peer{device: device, session: session}
	nearby.Subscribe(session.Events(), func(e nearby.ConnectionInitiated) {
		p.mu.Lock()
		p.initiated = append(p.initiated, e)
		p.mu.Unlock()
	})
	nearby.Subscribe(session.Events(), func(e nearby.ConnectionResolved) {
		p.mu.Lock()
		p.resolved = append(p.resolved, e)
		p.mu.Unlock()
	})
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return p
}

func (p *peer) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.session.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func (p *peer) tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.initiated))
	for _, e := range p.initiated {
		out = append(out, e.AuthenticationToken)
	}
	return out
}

func TestTwoDevicesConnectAndChat(t *testing.T) {
	medium := memory.NewMedium()
	rescuer := newPeer(t, medium, "rescuer", "Rescuer")
	victim := newPeer(t, medium, "victim", "Victim")

	if err := victim.session.StartAdvertising(""); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	if err := rescuer.session.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		endpoints := rescuer.session.GetDiscoveredEndpoints()
		return len(endpoints) == 1 && endpoints[0] == models.Endpoint{ID: "victim", Name: "Victim"}
	})

	if err := rescuer.session.RequestConnection("", "victim"); err != nil {
		t.Fatalf("RequestConnection failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, ok := victim.session.PendingConnection("rescuer")
		return ok
	})
	rescuer.sync(t)

	rescuerTokens, victimTokens := rescuer.tokens(), victim.tokens()
	if len(rescuerTokens) != 1 || len(victimTokens) != 1 || rescuerTokens[0] != victimTokens[0] {
		t.Fatalf("expected both sides to show the same token, got %v and %v", rescuerTokens, victimTokens)
	}

	if err := rescuer.session.AcceptConnection("victim"); err != nil {
		t.Fatalf("rescuer accept failed: %v", err)
	}
	if err := victim.session.AcceptConnection("rescuer"); err != nil {
		t.Fatalf("victim accept failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return rescuer.session.IsConnected("victim") && victim.session.IsConnected("rescuer")
	})

	if _, err := victim.session.SendPayload("rescuer", "trapped on 2nd floor"); err != nil {
		t.Fatalf("SendPayload failed: %v", err)
	}
	if _, err := rescuer.session.SendPayload("victim", "on our way"); err != nil {
		t.Fatalf("SendPayload failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		log := rescuer.session.Messages("victim")
		return len(log) == 2
	})
	log := rescuer.session.Messages("victim")
	if log[0].Direction != models.DirectionReceived || log[0].Content != "trapped on 2nd floor" {
		t.Fatalf("unexpected first message %+v", log[0])
	}
	waitForCondition(t, time.Second, func() bool {
		last, ok := rescuer.session.LastMessage("victim")
		return ok && last.Status == models.StatusSent
	})

	rescuer.session.Disconnect("victim")
	waitForCondition(t, time.Second, func() bool {
		return !victim.session.IsConnected("rescuer")
	})
	if rescuer.session.IsConnected("victim") {
		t.Fatalf("expected local disconnect to apply immediately")
	}
	if got := len(victim.session.Messages("rescuer")); got != 2 {
		t.Fatalf("messages must survive disconnect, got %d", got)
	}
}

func TestRejectedPeerCanBeRequestedAgain(t *testing.T) {
	medium := memory.NewMedium()
	a := newPeer(t, medium, "a", "A")
	b := newPeer(t, medium, "b", "B")

	b.session.StartAdvertising("")
	a.session.StartDiscovery()
	waitForCondition(t, time.Second, func() bool {
		return len(a.session.GetDiscoveredEndpoints()) == 1
	})

	a.session.RequestConnection("", "b")
	waitForCondition(t, time.Second, func() bool {
		_, ok := b.session.PendingConnection("a")
		return ok
	})
	if err := b.session.RejectConnection("a"); err != nil {
		t.Fatalf("RejectConnection failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return a.session.State("b") == nearby.StateRejected
	})
	a.sync(t)

	a.mu.Lock()
	last := a.resolved[len(a.resolved)-1]
	a.mu.Unlock()
	if last.Outcome.Alert != nil {
		t.Fatalf("rejection must be log-only, got alert %+v", last.Outcome.Alert)
	}

	if err := a.session.RequestConnection("", "b"); err != nil {
		t.Fatalf("expected re-request after rejection, got %v", err)
	}
}

func TestDecisionTimeoutThroughSession(t *testing.T) {
	medium := memory.NewMedium(memory.WithDecisionTimeout(40 * time.Millisecond))
	a := newPeer(t, medium, "a", "A")
	b := newPeer(t, medium, "b", "B")

	b.session.StartAdvertising("")
	a.session.StartDiscovery()
	waitForCondition(t, time.Second, func() bool {
		return len(a.session.GetDiscoveredEndpoints()) == 1
	})

	a.session.RequestConnection("", "b")
	waitForCondition(t, time.Second, func() bool {
		return a.session.State("b") == nearby.StateDisconnected
	})
	if a.session.IsConnected("b") {
		t.Fatalf("timed out endpoint must not be connected")
	}
	if err := a.session.RequestConnection("", "b"); err != nil {
		t.Fatalf("expected fresh request after timeout, got %v", err)
	}
}

func TestOutOfRangeKeepsConnectionStateIndependent(t *testing.T) {
	medium := memory.NewMedium()
	a := newPeer(t, medium, "a", "A")
	b := newPeer(t, medium, "b", "B")
	c := newPeer(t, medium, "c", "C")

	b.session.StartAdvertising("")
	c.session.StartAdvertising("")
	a.session.StartDiscovery()
	waitForCondition(t, time.Second, func() bool {
		return len(a.session.GetDiscoveredEndpoints()) == 2
	})

	if err := medium.SetInRange("c", false); err != nil {
		t.Fatalf("SetInRange failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		endpoints := a.session.GetDiscoveredEndpoints()
		return len(endpoints) == 1 && endpoints[0].ID == "b"
	})

	medium.SetInRange("c", true)
	waitForCondition(t, time.Second, func() bool {
		return len(a.session.GetDiscoveredEndpoints()) == 2
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
