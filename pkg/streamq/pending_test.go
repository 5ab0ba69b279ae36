package streamq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPending_PollBlocksUntilData(t *testing.T) {
	t.Parallel()
	p := NewPending[string]()
	p.Start(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ev, err := p.Poll(ctx)
	if err != nil || ev.Type != Start {
		t.Fatalf("Poll() = (%v, %v), want Start", ev.Type, err)
	}

	got := make(chan Event[string], 1)
	go func() {
		ev, err := p.Poll(ctx)
		if err != nil {
			t.Errorf("Poll: %v", err)
		}
		got <- ev
	}()

	select {
	case ev := <-got:
		t.Fatalf("Poll returned %v before any data", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}

	p.Stream(1, "x")
	select {
	case ev := <-got:
		if ev.Type != Data || ev.Item != "x" {
			t.Fatalf("Poll() = (%v, %q), want (data, x)", ev.Type, ev.Item)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Poll")
	}
}

func TestPending_CloseWakesPoller(t *testing.T) {
	t.Parallel()
	p := NewPending[int]()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Poll(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not wake poller")
	}
}

func TestPending_IdempotentClose(t *testing.T) {
	t.Parallel()
	p := NewPending[int]()
	p.Start(1)
	p.Close()
	p.Close()

	if _, err := p.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("first Poll after close err = %v, want ErrClosed", err)
	}
	if _, err := p.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Poll after close err = %v, want ErrClosed", err)
	}
	if p.Start(2) || p.Stream(1, 1) || p.End(1) || p.Erase(1, 0) {
		t.Fatal("mutator succeeded on closed queue")
	}
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 (state dropped on close)", p.Len())
	}
}

func TestPending_ResetReopens(t *testing.T) {
	t.Parallel()
	p := NewPending[int]()
	p.Close()
	p.Reset()
	if p.Closed() {
		t.Fatal("Closed() = true after Reset")
	}
	if !p.Start(1) {
		t.Fatal("Start after Reset = false")
	}
	if ev := p.TryPoll(); ev.Type != Start || ev.ID != 1 {
		t.Fatalf("TryPoll() = (%v, %d), want (start, 1)", ev.Type, ev.ID)
	}
}

func TestPending_PollHonoursContext(t *testing.T) {
	t.Parallel()
	p := NewPending[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Poll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestPending_ConcurrentProducersKeepPerIDOrder(t *testing.T) {
	t.Parallel()
	p := NewPending[int]()
	const (
		streams = 4
		items   = 200
	)
	for id := int32(1); id <= streams; id++ {
		p.Start(id)
	}

	var wg sync.WaitGroup
	for id := int32(1); id <= streams; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items {
				p.Stream(id, i)
			}
			p.End(id)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next := map[int32]int{}
	var ends []int32
	for len(ends) < streams {
		ev, err := p.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		switch ev.Type {
		case Data:
			if ev.Item != next[ev.ID] {
				t.Fatalf("id %d item = %d, want %d", ev.ID, ev.Item, next[ev.ID])
			}
			next[ev.ID]++
		case End:
			ends = append(ends, ev.ID)
		}
	}
	wg.Wait()

	for i, id := range ends {
		if id != int32(i+1) {
			t.Fatalf("end order = %v, want start order", ends)
		}
		if next[id] != items {
			t.Errorf("id %d delivered %d items, want %d", id, next[id], items)
		}
	}
}

func TestQueue_FIFOAndRemove(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	if n := q.Remove(func(v int) bool { return v%2 == 0 }); n != 2 {
		t.Fatalf("Remove() = %d, want 2", n)
	}
	ctx := context.Background()
	for _, want := range []int{1, 3, 5} {
		got, err := q.Poll(ctx)
		if err != nil || got != want {
			t.Fatalf("Poll() = (%d, %v), want %d", got, err, want)
		}
	}
	if _, ok := q.TryPoll(); ok {
		t.Fatal("TryPoll on empty queue = true")
	}
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	q.Push(1)
	q.Close()
	q.Close()
	if q.Push(2) {
		t.Fatal("Push on closed queue = true")
	}
	if _, err := q.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	q.Reset()
	if !q.Push(3) || q.Len() != 1 {
		t.Fatal("queue unusable after Reset")
	}
}
