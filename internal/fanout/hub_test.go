package fanout

import (
	"testing"
	"time"
)

func recvN(t *testing.T, ch <-chan int, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d values", len(out))
			}
			out = append(out, v)
		case <-deadline:
			t.Fatalf("timed out after %d values", len(out))
		}
	}
	return out
}

func TestEverySubscriberGetsEveryValue(t *testing.T) {
	h := New[int]()
	a, cancelA := h.Subscribe(0)
	defer cancelA()
	b, cancelB := h.Subscribe(0)
	defer cancelB()

	// Publish more than any channel buffer holds while nobody reads.
	for i := 0; i < 100; i++ {
		h.Publish(i)
	}
	gotA := recvN(t, a, 100)
	gotB := recvN(t, b, 100)
	for i := 0; i < 100; i++ {
		if gotA[i] != i || gotB[i] != i {
			t.Fatalf("order broken at %d: a=%d b=%d", i, gotA[i], gotB[i])
		}
	}
}

func TestInitialValuesComeFirst(t *testing.T) {
	h := New[int]()
	ch, cancel := h.Subscribe(1, 42)
	defer cancel()
	h.Publish(7)
	got := recvN(t, ch, 2)
	if got[0] != 42 || got[1] != 7 {
		t.Fatalf("got %v", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := New[int]()
	ch, cancel := h.Subscribe(0)
	cancel()
	cancel()
	if h.Len() != 0 {
		t.Fatalf("subscriber still registered")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}

func TestCloseFlushesThenCloses(t *testing.T) {
	h := New[int]()
	ch, _ := h.Subscribe(0)
	h.Publish(1)
	h.Publish(2)
	h.Close()
	h.Publish(3)

	got := recvN(t, ch, 2)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v", got)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("value published after close was delivered")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after Close")
	}
	if h.Published() != 2 {
		t.Fatalf("published count %d", h.Published())
	}
}
