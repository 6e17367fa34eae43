package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, ua := b.Subscribe(4)
	c, uc := b.Subscribe(4)
	defer ua()
	defer uc()

	b.Publish(Event{Type: "x"})
	if e := <-a; e.Type != "x" || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	if e := <-c; e.Type != "x" {
		t.Fatalf("c got %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "1"})
	b.Publish(Event{Type: "2"})
	if Dropped(b) != 1 {
		t.Fatalf("dropped=%d", Dropped(b))
	}
	unsub()
	unsub()
	// Draining a closed channel yields the buffered event then closes.
	if e, ok := <-ch; !ok || e.Type != "1" {
		t.Fatalf("got %+v %v", e, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}

func TestSubscribeOwner(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := SubscribeOwner(b, "alice", 4)
	defer unsub()
	b.Publish(Event{Type: "job.updated", Owner: "bob"})
	b.Publish(Event{Type: "job.updated", Owner: "alice"})
	e := <-ch
	if e.Owner != "alice" {
		t.Fatalf("got %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %+v", e)
	default:
	}
}
