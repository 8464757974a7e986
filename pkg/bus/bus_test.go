package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bubbaloop/daemon/pkg/node"
)

func event(name string, kind node.EventKind) node.Event {
	return node.Event{Timestamp: time.Now(), NodeName: name, Kind: kind}
}

func TestNew(t *testing.T) {
	b := New()
	if b == nil {
		t.Fatal("expected non-nil bus")
	}
	if b.closed {
		t.Fatal("expected new bus to not be closed")
	}
	if len(b.subs) != 0 {
		t.Fatal("expected no subscribers on a new bus")
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	defer b.Close()

	a, cancelA := b.Subscribe(8)
	defer cancelA()
	c, cancelC := b.Subscribe(8)
	defer cancelC()

	b.Publish(event("demo", node.EventRegistered))

	for i, ch := range []<-chan node.Event{a, c} {
		select {
		case ev := <-ch:
			if ev.NodeName != "demo" || ev.Kind != node.EventRegistered {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(event("demo", node.EventStatusChanged))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// At most the buffer's worth of events should be waiting.
	if n := len(ch); n > 1 {
		t.Fatalf("buffered %d events in a 1-slot subscription", n)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(8)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscription channel should be closed")
	}
	b.Publish(event("demo", node.EventRemoved)) // must not panic
	cancel()                                    // idempotent
}

func TestRunPumpsFromSource(t *testing.T) {
	b := New()
	defer b.Close()

	src := make(chan node.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, src)
	}()

	ch, unsub := b.Subscribe(4)
	defer unsub()

	src <- event("demo", node.EventBuildStarted)
	select {
	case ev := <-ch:
		if ev.Kind != node.EventBuildStarted {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("pumped event never arrived")
	}

	close(src)
	wg.Wait()
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(4)
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel should be closed after bus Close")
	}
	b.Publish(event("demo", node.EventRemoved)) // must not panic after close
}
