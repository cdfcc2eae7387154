package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishNeverBlocks(t *testing.T) {
	s := NewStream[int](100)
	defer s.Close()

	// Subscriber that never reads past its channel buffer.
	_ = s.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			s.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestSubscriberSeesMonotonicSequence(t *testing.T) {
	s := NewStream[int](50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	go func() {
		for i := 0; i < 5000; i++ {
			s.Publish(i)
		}
		s.Close()
	}()

	last := -1
	received := 0
	for v := range ch {
		if v <= last {
			t.Fatalf("out of order: %d after %d", v, last)
		}
		last = v
		received++
	}
	if received == 0 {
		t.Fatal("received nothing")
	}
	if last != 4999 {
		t.Fatalf("did not observe the tail, last = %d", last)
	}
}

func TestReplayServesRingToLateSubscriber(t *testing.T) {
	s := NewStream[int](10)
	for i := 0; i < 25; i++ {
		s.Publish(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	var got []int
	for i := 0; i < 10; i++ {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d items", len(got))
		}
	}
	// Ring holds the last 10 items: 15..24.
	for i, v := range got {
		if v != 15+i {
			t.Fatalf("replay[%d] = %d, want %d", i, v, 15+i)
		}
	}
}

func TestSubscribeChannelClosesOnClose(t *testing.T) {
	s := NewStream[string](4)
	ch := s.Subscribe(context.Background())
	s.Publish("a")
	s.Close()

	var got []string
	for v := range ch {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}
