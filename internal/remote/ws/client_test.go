package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pigeon-im/pigeon/internal/remote"
)

func TestWireErrorClassification(t *testing.T) {
	tests := []struct {
		code      string
		permanent bool
	}{
		{"invalid", true},
		{"unauthorized", true},
		{"forbidden", true},
		{"not_found", true},
		{"unavailable", false},
		{"disconnected", false},
		{"internal", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := (&wireError{Code: tt.code, Message: "x"}).toErr()
			got := remote.Classify(err) == remote.ClassPermanent
			if got != tt.permanent {
				t.Errorf("code %q classified permanent=%v, want %v", tt.code, got, tt.permanent)
			}
		})
	}
}

func TestReconnectorDelays(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := r.nextDelay()
		if d < prev/2 {
			t.Errorf("attempt %d: delay %v collapsed below previous %v", i, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if prev < 20*time.Second {
		t.Errorf("late delay %v, want near the cap", prev)
	}
}

func TestRouteReplyCorrelation(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"}, nil)

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending["r1"] = ch
	c.pendingMu.Unlock()

	c.route(envelope{Type: "result", RequestID: "r1", Payload: json.RawMessage(`{"ok":true}`)})

	select {
	case reply := <-ch:
		if string(reply.Payload) != `{"ok":true}` {
			t.Errorf("payload = %s", reply.Payload)
		}
	default:
		t.Fatal("reply not correlated to pending request")
	}

	// Unknown request ids are dropped, not delivered twice.
	c.route(envelope{Type: "result", RequestID: "r1"})
	c.route(envelope{Type: "result", RequestID: "never-seen"})
	if len(ch) != 0 {
		t.Error("stale reply delivered")
	}
}

func TestRouteChangeFrames(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"}, nil)

	sub := &chatSub{client: c, chatID: "c1", ch: make(chan remote.Change, 4)}
	c.subMu.Lock()
	c.chatSubs["c1"] = sub
	c.subMu.Unlock()

	change := remote.Change{Type: remote.ChangeAdded, Record: remote.MessageRecord{ID: "m1", ChatID: "c1"}}
	payload, _ := json.Marshal(change)
	c.route(envelope{Type: "change", ChatID: "c1", Payload: payload})

	select {
	case got := <-sub.Changes():
		if got.Record.ID != "m1" || got.Type != remote.ChangeAdded {
			t.Errorf("change = %+v", got)
		}
	default:
		t.Fatal("change not delivered to chat subscription")
	}

	// Frames for unsubscribed chats are dropped.
	c.route(envelope{Type: "change", ChatID: "c2", Payload: payload})
	if len(sub.ch) != 0 {
		t.Error("frame for another chat leaked into this subscription")
	}

	// Delivery after close is a no-op.
	sub.end(nil)
	c.route(envelope{Type: "change", ChatID: "c1", Payload: payload})
	if _, open := <-sub.Changes(); open {
		t.Error("channel still open after end")
	}
}

func TestRouteRosterFrames(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"}, nil)

	sub := &rosterSub{client: c, ch: make(chan []remote.ChatRecord, 2)}
	c.subMu.Lock()
	c.roster = sub
	c.rosterID = "me"
	c.subMu.Unlock()

	payload, _ := json.Marshal([]remote.ChatRecord{{ID: "c1"}, {ID: "c2"}})
	c.route(envelope{Type: "chats", Payload: payload})

	select {
	case chats := <-sub.Chats():
		if len(chats) != 2 {
			t.Errorf("got %d chats, want 2", len(chats))
		}
	default:
		t.Fatal("roster frame not delivered")
	}
}

func TestDeliverConcurrentWithEnd(t *testing.T) {
	// The read pump delivers frames while teardown closes subscriptions.
	// A send on the closed channel would panic the whole daemon.
	c := New(Config{URL: "http://example.invalid"}, nil)

	for i := 0; i < 50; i++ {
		sub := &chatSub{client: c, chatID: "c1", ch: make(chan remote.Change, 1)}
		done := make(chan struct{})
		go func() {
			for j := 0; j < 100; j++ {
				sub.deliver(remote.Change{Type: remote.ChangeAdded})
			}
			close(done)
		}()
		sub.end(nil)
		<-done

		// Late frames after close are dropped silently.
		sub.deliver(remote.Change{Type: remote.ChangeAdded})
	}

	for i := 0; i < 50; i++ {
		sub := &rosterSub{client: c, ch: make(chan []remote.ChatRecord, 1)}
		done := make(chan struct{})
		go func() {
			for j := 0; j < 100; j++ {
				sub.deliver([]remote.ChatRecord{{ID: "c1"}})
			}
			close(done)
		}()
		sub.end(nil)
		<-done
		sub.deliver([]remote.ChatRecord{{ID: "c1"}})
	}
}

func TestFailPendingOnDisconnect(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"}, nil)

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending["r1"] = ch
	c.pendingMu.Unlock()

	c.failPending(errors.New("connection lost"))

	reply := <-ch
	if reply.Error == nil || reply.Error.Code != "disconnected" {
		t.Errorf("reply = %+v, want disconnected error", reply)
	}
	// Disconnects are transient: the outbox should keep the message queued.
	if remote.Classify(reply.Error.toErr()) != remote.ClassTransient {
		t.Error("disconnect classified as permanent")
	}
}
