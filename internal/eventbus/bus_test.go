package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: TypeDispatched})
	if e := <-a; e.Type != TypeDispatched || e.Time.IsZero() {
		t.Fatalf("unexpected event on a: %+v", e)
	}
	if e := <-c; e.Type != TypeDispatched {
		t.Fatalf("unexpected event on c: %+v", e)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// must not panic or block with a closed subscriber and a full one
	b.Publish(Event{Type: TypeEngineStopped})
	b.Publish(Event{Type: TypeEngineStopped})
}
