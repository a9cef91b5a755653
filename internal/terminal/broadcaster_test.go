package terminal

import "testing"

func TestBroadcasterSubscriberLifecycle(t *testing.T) {
	b := NewByteBroadcaster()
	if b.SubscriberCount() != 0 {
		t.Fatalf("fresh broadcaster has %d subscribers", b.SubscriberCount())
	}

	ch1, cancel1 := b.Subscribe(1)
	_, cancel2 := b.Subscribe(1)
	if b.SubscriberCount() != 2 {
		t.Fatalf("subscriber count = %d, want 2", b.SubscriberCount())
	}

	b.Broadcast([]byte("x"))
	if got := string(<-ch1); got != "x" {
		t.Fatalf("chunk = %q", got)
	}

	cancel2()
	cancel2() // repeat cancel is a no-op
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d after cancel, want 1", b.SubscriberCount())
	}

	b.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d after close, want 0", b.SubscriberCount())
	}
	if _, open := <-ch1; open {
		t.Fatal("close should close subscriber channels")
	}
	cancel1()
}

func TestBroadcasterDropsWhenSubscriberLags(t *testing.T) {
	b := NewByteBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Broadcast([]byte("a"))
	b.Broadcast([]byte("b")) // buffer full, dropped

	if got := string(<-ch); got != "a" {
		t.Fatalf("chunk = %q, want %q", got, "a")
	}
	select {
	case extra := <-ch:
		t.Fatalf("lagging subscriber received %q, want drop", extra)
	default:
	}
}

func TestSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := NewByteBroadcaster()
	b.Close()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	if _, open := <-ch; open {
		t.Fatal("subscription after close should be closed immediately")
	}
}
