package syncer

import (
	"context"
	"testing"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/platform/store"
)

func TestKVLocalStore_PullSide(t *testing.T) {
	s := NewKVLocalStore(store.NewMemoryStore())
	ctx := context.Background()

	r := connector.Resource{"resourceType": "Patient", "id": "p1", "name": "Doe"}
	if err := s.SaveResource(ctx, "cfg-1", r); err != nil {
		t.Fatalf("save: %v", err)
	}

	stored, err := s.Resources(ctx, "cfg-1", "Patient")
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(stored) != 1 || stored[0]["name"] != "Doe" {
		t.Errorf("stored = %v", stored)
	}

	// Other configs and types are isolated.
	if other, _ := s.Resources(ctx, "cfg-2", "Patient"); len(other) != 0 {
		t.Errorf("cross-config leak: %v", other)
	}

	if err := s.SaveResource(ctx, "cfg-1", connector.Resource{"resourceType": "Patient"}); err == nil {
		t.Error("expected error for resource without id")
	}
}

func TestKVLocalStore_PushSide(t *testing.T) {
	s := NewKVLocalStore(store.NewMemoryStore())
	ctx := context.Background()

	a := connector.Resource{"resourceType": "Observation", "id": "o1"}
	b := connector.Resource{"resourceType": "Observation", "id": "o2"}
	if err := s.QueuePush(ctx, "cfg-1", a); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.QueuePush(ctx, "cfg-1", b); err != nil {
		t.Fatalf("queue: %v", err)
	}

	pending, err := s.PendingResources(ctx, "cfg-1", "Observation")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID() != "o1" {
		t.Errorf("pending = %v", pending)
	}

	// A push with a remote-assigned id re-keys the stored copy.
	if err := s.MarkPushed(ctx, "cfg-1", a, "srv-9"); err != nil {
		t.Fatalf("mark pushed: %v", err)
	}
	pending, _ = s.PendingResources(ctx, "cfg-1", "Observation")
	if len(pending) != 1 || pending[0].ID() != "o2" {
		t.Errorf("pending after push = %v", pending)
	}

	stored, _ := s.Resources(ctx, "cfg-1", "Observation")
	if len(stored) != 1 || stored[0].ID() != "srv-9" {
		t.Errorf("stored = %v", stored)
	}
}
