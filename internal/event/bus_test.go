package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"isocore/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()
	a, b := bus.Subscribe(), bus.Subscribe()

	var wg sync.WaitGroup
	collect := func(sub *Subscription, out *[]uint64) {
		defer wg.Done()
		for ev := range sub.Events() {
			*out = append(*out, ev.Sequence)
			if len(*out) == 10 {
				return
			}
		}
	}
	var gotA, gotB []uint64
	wg.Add(2)
	go collect(a, &gotA)
	go collect(b, &gotB)

	for i := uint64(1); i <= 10; i++ {
		ev := domain.RecalculateAll()
		ev.Sequence = i
		if err := bus.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	wg.Wait()
	for _, got := range [][]uint64{gotA, gotB} {
		for i, seq := range got {
			if seq != uint64(i+1) {
				t.Fatalf("out of order delivery %v", got)
			}
		}
	}
}

func TestPublishHonoursContextWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	_ = bus.Subscribe()
	if err := bus.Publish(context.Background(), domain.RecalculateAll()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, domain.RecalculateAll()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClosedSubscriptionDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	sub := bus.Subscribe()
	sub.Close()
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), domain.RecalculateAll()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected subscriber removed")
	}
}

func TestPumpStopsOnBusClose(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	got := make(chan domain.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(context.Background(), sub, func(ev domain.Event) { got <- ev })
	}()
	if err := bus.Publish(context.Background(), domain.RecalculateByID("ci-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := <-got; ev.Kind != domain.EventRecalculateByID {
		t.Fatalf("unexpected event %+v", ev)
	}
	bus.Close()
	<-done
	if err := bus.Publish(context.Background(), domain.RecalculateAll()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
