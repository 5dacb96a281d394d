package loop

import (
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitRunsInOrderOnOneGoroutine(t *testing.T) {
	l := New().Start()
	defer l.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		l.Submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("functions ran out of order: %v", got)
		}
	}
}

func TestSubmitFromInsideLoopDoesNotDeadlock(t *testing.T) {
	l := New().Start()
	defer l.Stop()
	var order []string
	l.Submit(func() {
		order = append(order, "outer")
		l.Submit(func() { order = append(order, "inner") })
	})
	l.Sync()
	l.Sync()
	if len(order) != 2 || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestStopDrainsAndRejectsLateWork(t *testing.T) {
	l := New().Start()
	ran := 0
	for i := 0; i < 3; i++ {
		l.Submit(func() { ran++ })
	}
	l.Stop()
	if ran != 3 {
		t.Fatalf("expected queued work to drain, ran %d", ran)
	}
	if l.Submit(func() { ran++ }) {
		t.Fatalf("expected submit after stop to be rejected")
	}
	l.Stop()
}
