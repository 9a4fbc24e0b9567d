package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/config"
	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/store"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Config{
		BindAddress:    "127.0.0.1:0",
		PublicBaseURL:  "http://127.0.0.1:0",
		RequestTimeout: 5 * time.Second,
		LogLevel:       "info",
	}
	application := New(cfg, store.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := application.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunSurfacesBindFailure(t *testing.T) {
	cfg := config.Config{
		BindAddress:    "256.0.0.1:bad",
		PublicBaseURL:  "http://127.0.0.1:0",
		RequestTimeout: 5 * time.Second,
	}
	application := New(cfg, store.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Run(ctx); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestBuildStore(t *testing.T) {
	st, err := BuildStore(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.Memory); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}

	st, err = BuildStore(config.Config{DatabaseURL: "postgres://localhost/calsync"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.Postgres); !ok {
		t.Fatalf("expected postgres store, got %T", st)
	}
}

func TestStaticTokens(t *testing.T) {
	if _, err := (StaticTokens{}).AccessToken(context.Background(), "conn-1"); !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("empty token: got %v, want ErrAuth", err)
	}
	token, err := (StaticTokens{Token: "tok"}).AccessToken(context.Background(), "conn-1")
	if err != nil || token != "tok" {
		t.Fatalf("got %q, %v", token, err)
	}
}

func TestFeedURLValidator(t *testing.T) {
	v := FeedURLValidator{}
	ctx := context.Background()

	if err := v.Validate(ctx, "https://feeds.example.com/team.ics"); err != nil {
		t.Fatalf("public https url rejected: %v", err)
	}

	for name, raw := range map[string]string{
		"bad scheme":  "file:///etc/passwd",
		"no host":     "https://",
		"localhost":   "http://localhost/cal.ics",
		"loopback ip": "http://127.0.0.1/cal.ics",
		"private ip":  "http://10.0.0.8/cal.ics",
		"unspecified": "http://0.0.0.0/cal.ics",
	} {
		if err := v.Validate(ctx, raw); err == nil {
			t.Errorf("%s: %q accepted", name, raw)
		}
	}
}
