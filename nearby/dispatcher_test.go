package nearby

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Start()
	defer d.Close()

	var mu sync.Mutex
	var got []string
	Subscribe(d, func(e DeviceDiscovered) {
		mu.Lock()
		got = append(got, e.EndpointID)
		mu.Unlock()
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		d.Post(DeviceDiscovered{EndpointID: id})
	}
	d.Post(DeviceLost{EndpointID: "ignored"})

	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDispatcherUnsubscribeInsideCallback(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Start()
	defer d.Close()

	var calls, otherCalls int
	var sub *Subscription
	sub = d.SubscribeAll(func(Event) {
		calls++
		sub.Unsubscribe()
		sub.Unsubscribe()
	})
	d.SubscribeAll(func(Event) { otherCalls++ })

	d.Post(DeviceLost{EndpointID: "1"})
	d.Post(DeviceLost{EndpointID: "2"})
	d.Post(DeviceLost{EndpointID: "3"})
	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected one delivery before unsubscribe, got %d", calls)
	}
	if otherCalls != 3 {
		t.Fatalf("other listeners must keep receiving, got %d", otherCalls)
	}
}

func TestDispatcherUnsubscribeSiblingDuringFanout(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Start()
	defer d.Close()

	var second *Subscription
	secondCalls := 0
	d.SubscribeAll(func(Event) { second.Unsubscribe() })
	second = d.SubscribeAll(func(Event) { secondCalls++ })

	d.Post(DeviceLost{EndpointID: "1"})
	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if secondCalls != 0 {
		t.Fatalf("listener removed during fanout must not be called, got %d", secondCalls)
	}
}

func TestDispatcherRecoversPanickingListener(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Start()
	defer d.Close()

	delivered := 0
	d.SubscribeAll(func(Event) { panic("listener bug") })
	d.SubscribeAll(func(Event) { delivered++ })

	d.Post(DeviceLost{EndpointID: "1"})
	d.Post(DeviceLost{EndpointID: "2"})
	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected delivery to continue after panic, got %d", delivered)
	}
}

func TestDispatcherApplyCanRewriteAndSuppress(t *testing.T) {
	d := NewDispatcher(nil, func(event Event) (Event, bool) {
		lost, ok := event.(DeviceLost)
		if !ok {
			return event, true
		}
		if lost.EndpointID == "drop" {
			return nil, false
		}
		lost.EndpointID = "seen-" + lost.EndpointID
		return lost, true
	})
	d.Start()
	defer d.Close()

	var got []string
	Subscribe(d, func(e DeviceLost) { got = append(got, e.EndpointID) })

	d.Post(DeviceLost{EndpointID: "drop"})
	d.Post(DeviceLost{EndpointID: "x"})
	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(got) != 1 || got[0] != "seen-x" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	d := NewDispatcher(nil, nil)

	delivered := 0
	d.SubscribeAll(func(Event) { delivered++ })
	for i := 0; i < 100; i++ {
		d.Post(DeviceLost{EndpointID: "x"})
	}
	d.Close()

	if delivered != 100 {
		t.Fatalf("expected queued events to drain, got %d", delivered)
	}
	if d.Post(DeviceLost{EndpointID: "late"}) {
		t.Fatalf("Post after Close must report false")
	}
	if err := d.Sync(context.Background()); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDispatcherSyncHonorsContext(t *testing.T) {
	d := NewDispatcher(nil, nil)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Sync(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline before Start, got %v", err)
	}
}

func TestDispatcherSubscribeInterfaceMatchesEverything(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Start()
	defer d.Close()

	var mu sync.Mutex
	var kinds []Kind
	Subscribe(d, func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind())
		mu.Unlock()
	})

	d.Post(DeviceDiscovered{EndpointID: "E1"})
	d.Post(DeviceLost{EndpointID: "E1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != KindDeviceDiscovered || kinds[1] != KindDeviceLost {
		t.Fatalf("unexpected deliveries %v", kinds)
	}
}
