package store

import (
	"context"
	"errors"
	"testing"

	"github.com/sevenofnine/calsync/internal/domain"
)

func TestNewPostgresRequiresDSN(t *testing.T) {
	if _, err := NewPostgres("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
	p, err := NewPostgres("postgres://localhost/calsync")
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close before init: %v", err)
	}
}

func TestPostgresRejectsInvalidInputBeforeConnecting(t *testing.T) {
	p, err := NewPostgres("postgres://localhost/calsync")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := p.SaveConnection(ctx, domain.Connection{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("SaveConnection: got %v, want ErrInvalidInput", err)
	}
	if err := p.UpsertEvent(ctx, domain.Event{ID: "ev-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("UpsertEvent: got %v, want ErrInvalidInput", err)
	}
	if err := p.SaveSubscription(ctx, domain.Subscription{ID: "sub-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("SaveSubscription: got %v, want ErrInvalidInput", err)
	}
}
