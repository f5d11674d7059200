package auth

import (
	"context"
	"testing"
)

func TestFixtureResolverRecognizesFakeIdentity(t *testing.T) {
	r := FixtureResolver{}
	id, err := r.Resolve(context.Background(), map[string]any{
		"event":   "test_framework_fake_identity",
		"user_id": "student-42",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id == nil || id.UserID != "student-42" {
		t.Fatalf("expected identity for student-42, got %+v", id)
	}
	if id.SafeUserID == id.UserID {
		t.Fatalf("expected safe_user_id to differ from user_id")
	}
}

func TestFixtureResolverIgnoresOtherEvents(t *testing.T) {
	r := FixtureResolver{}
	id, err := r.Resolve(context.Background(), map[string]any{"event": "heartbeat"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != nil {
		t.Fatalf("expected nil identity for unrelated event, got %+v", id)
	}
}

func TestFixtureResolverRejectsEmptyUserID(t *testing.T) {
	r := FixtureResolver{}
	id, err := r.Resolve(context.Background(), map[string]any{
		"event":   "test_framework_fake_identity",
		"user_id": "",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != nil {
		t.Fatalf("expected nil identity for empty user_id, got %+v", id)
	}
}
