package settings

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryStore_ResolveUnconfigured(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Resolve(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Resolve on empty store: got %v, want ErrNotConfigured", err)
	}
}

func TestMemoryStore_UpsertCreatesThenUpdatesInPlace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Upsert(ctx, ServerConfig{Endpoint: "https://api.openai.com", APIKey: "sk-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first.ID, "config_") {
		t.Errorf("id = %q, want config_ prefix", first.ID)
	}
	if first.UpdatedAt != nil {
		t.Error("UpdatedAt should be nil on create")
	}

	second, err := s.Upsert(ctx, ServerConfig{Endpoint: "https://other.example", APIKey: "sk-2"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert created a new record: %q != %q", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}
	if second.UpdatedAt == nil {
		t.Error("UpdatedAt should be set on update")
	}

	rec, err := s.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "https://other.example" || rec.APIKey != "sk-2" {
		t.Errorf("resolved %+v, want updated values", rec.Config())
	}
}

func TestMemoryStore_ResolveReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Upsert(ctx, ServerConfig{Endpoint: "https://a", APIKey: "k"}); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.Resolve(ctx)
	rec.Endpoint = "mutated"

	again, _ := s.Resolve(ctx)
	if again.Endpoint != "https://a" {
		t.Error("Resolve must return a copy, not the stored record")
	}
}
