package sync

import (
	"context"
	"testing"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/remote"
)

func waitEvent(t *testing.T, ch <-chan bus.Event, what string) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return bus.Event{}
	}
}

func TestListenerTwoPhase(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.initial["c1"] = []remote.MessageRecord{
		record("m1", "c1", "alice", "old one"),
		record("m2", "c1", "alice", "old two"),
	}
	e, notifier, b := testEngine(t, db, backend)

	snapCh, unsubSnap := b.Subscribe("sync.snapshot_loaded", 4)
	defer unsubSnap()
	liveCh, unsubLive := b.Subscribe("sync.live", 4)
	defer unsubLive()
	msgCh, unsubMsg := b.Subscribe("message.upserted", 16)
	defer unsubMsg()

	l := NewListener("c1", e, backend, b, 50, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	waitEvent(t, snapCh, "snapshot_loaded")
	waitEvent(t, liveCh, "live")

	for _, id := range []string{"m1", "m2"} {
		msg, _ := db.GetMessage(id)
		if msg == nil {
			t.Fatalf("snapshot message %s not stored", id)
		}
	}
	if notifier.count() != 0 {
		t.Fatalf("snapshot produced %d notifications, want 0", notifier.count())
	}

	// Drain snapshot upserts, then push a live change.
	waitEvent(t, msgCh, "snapshot upsert m1")
	waitEvent(t, msgCh, "snapshot upsert m2")

	backend.push("c1", remote.Change{Type: remote.ChangeAdded, Record: record("m3", "c1", "alice", "fresh")})
	evt := waitEvent(t, msgCh, "live upsert m3")
	if ref, ok := evt.Payload.(bus.MessageRef); !ok || ref.MessageID != "m3" {
		t.Errorf("payload = %+v, want MessageRef m3", evt.Payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for notifier.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if notifier.count() != 1 {
		t.Errorf("live arrival notified %d times, want 1", notifier.count())
	}
}

func TestListenerStopEndsStream(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	e, _, b := testEngine(t, db, backend)

	l := NewListener("c1", e, backend, b, 50, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.Stop()
	l.Stop() // idempotent

	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("forward loop did not drain after Stop")
	}
}
