package watch

import (
	"sync"
	"testing"
	"time"
)

func TestParentKey(t *testing.T) {
	tests := []struct {
		key    string
		parent string
		ok     bool
	}{
		{"/a/b/c", "/a/b", true},
		{"/a", "", true},
		{"a", "", false},
		{"a/b", "a", true},
	}
	for _, tt := range tests {
		p, ok := ParentKey(tt.key)
		if p != tt.parent || ok != tt.ok {
			t.Fatalf("ParentKey(%q) = (%q, %v), want (%q, %v)", tt.key, p, ok, tt.parent, tt.ok)
		}
	}
}

func TestExactWatchFires(t *testing.T) {
	r := NewRegistry(4)

	var mu sync.Mutex
	var got *Event
	done := make(chan struct{})

	r.Register(&Watch{
		Key:       "a/b",
		SessionID: "s1",
		Fire: func(ev Event) {
			mu.Lock()
			got = &ev
			mu.Unlock()
			close(done)
		},
	})

	r.Trigger("a/b", Event{Key: "a/b", Value: []byte("v")})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Key != "a/b" || string(got.Value) != "v" {
		t.Fatalf("got %+v, want key=a/b value=v", got)
	}
}

func TestReRegisterCancelsPrior(t *testing.T) {
	r := NewRegistry(4)

	firstCanceled := make(chan struct{})
	r.Register(&Watch{
		Key:       "k",
		SessionID: "s1",
		Fire: func(ev Event) {
			if ev.Canceled {
				close(firstCanceled)
			}
		},
	})

	r.Register(&Watch{
		Key:       "k",
		SessionID: "s1",
		Fire:      func(Event) {},
	})

	select {
	case <-firstCanceled:
	case <-time.After(time.Second):
		t.Fatal("prior watch was not canceled on re-registration")
	}
}

func TestCancelSession(t *testing.T) {
	r := NewRegistry(4)

	canceled := make(chan struct{})
	r.Register(&Watch{
		Key:       "k",
		SessionID: "s1",
		Fire: func(ev Event) {
			if ev.Canceled {
				close(canceled)
			}
		},
	})

	r.CancelSession("s1")

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("watch was not canceled on session expiry")
	}
}

func TestParentTriggerRetriesWhenNoWatcher(t *testing.T) {
	r := NewRegistry(4)
	r.parentRetryDelayOverrideForTest(20 * time.Millisecond)

	fired := make(chan Event, 1)
	// register the parent watch only after the initial trigger, to force
	// the reschedule path.
	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Register(&Watch{
			Key:       "a",
			SessionID: "s2",
			Fire: func(ev Event) {
				fired <- ev
			},
		})
	}()

	r.Trigger("a/b", Event{Key: "a/b", Value: []byte("v")})

	select {
	case ev := <-fired:
		if ev.Key != "a/b" {
			t.Fatalf("got parent event key %q, want a/b", ev.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("parent watch was never fired by the retry")
	}
}
