package queue

import (
	"context"
	"testing"
)

func TestPublishConsumeCommit(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	if err := b.Publish(ctx, "signals", "hello", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := b.Consume(ctx, "signals", "group1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if msg.Data != "hello" {
		t.Fatalf("unexpected data: %v", msg.Data)
	}

	if _, err := b.Consume(ctx, "signals", "group1"); err != ErrLeaseHeld {
		t.Fatalf("expected ErrLeaseHeld before commit, got %v", err)
	}

	if err := msg.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := b.Consume(ctx, "signals", "group1"); err != ErrNoMessageAvailable {
		t.Fatalf("expected no message available after commit, got %v", err)
	}
}

func TestConsumeGroupsAreIndependent(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	b.Publish(ctx, "signals", "a", 0)

	if _, err := b.Consume(ctx, "signals", "g1"); err != nil {
		t.Fatalf("g1 consume: %v", err)
	}
	if _, err := b.Consume(ctx, "signals", "g2"); err != nil {
		t.Fatalf("g2 consume should see the same message independently: %v", err)
	}
}
