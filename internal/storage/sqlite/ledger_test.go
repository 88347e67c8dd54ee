package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

func TestLedgerSequencesArePerSession(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	enqueue(t, st, storage.EnqueueRequest{TaskID: "a1", SessionID: "sa", Type: "x"}, t0)
	enqueue(t, st, storage.EnqueueRequest{TaskID: "a2", SessionID: "sa", Type: "x"}, t0.Add(time.Second))
	enqueue(t, st, storage.EnqueueRequest{TaskID: "b1", SessionID: "sb", Type: "x"}, t0)

	eventsA, err := st.SessionEvents(ctx, "sa", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(eventsA) != 2 || eventsA[0].Seq != 1 || eventsA[1].Seq != 2 {
		t.Fatalf("session sa sequence broken: %+v", eventsA)
	}

	eventsB, err := st.SessionEvents(ctx, "sb", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(eventsB) != 1 || eventsB[0].Seq != 1 {
		t.Fatalf("session sb must sequence independently: %+v", eventsB)
	}
}

func TestLedgerSinceSeqFilter(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	enqueue(t, st, storage.EnqueueRequest{TaskID: "a1", SessionID: "sa", Type: "x"}, t0)
	enqueue(t, st, storage.EnqueueRequest{TaskID: "a2", SessionID: "sa", Type: "x"}, t0.Add(time.Second))

	events, err := st.SessionEvents(ctx, "sa", 1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("since filter broken: %+v", events)
	}
}

func TestLedgerIdempotencyKeyCollision(t *testing.T) {
	st := NewSQLiteTest(t)
	tx, err := st.db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	entry := core.LedgerEntry{
		SessionID: "s1", Seq: 1, Type: core.EventTaskEnqueued,
		Actor: "x", IdempotencyKey: "enqueue:t1",
	}
	if err := appendEventTx(tx, entry, t0); err != nil {
		t.Fatalf("first append: %v", err)
	}
	entry.Seq = 2
	err = appendEventTx(tx, entry, t0)
	if !storage.IsConstraint(err) {
		t.Fatalf("expected constraint kind, got %v (kind %v)", err, storage.KindOf(err))
	}
}
