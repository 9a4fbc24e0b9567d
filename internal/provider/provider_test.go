package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return s.token, s.err
}

type fakeDoer struct {
	responses []*http.Response
	errs      []error
	requests  []*http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i >= len(f.responses) {
		return nil, errors.New("no response queued")
	}
	return f.responses[i], nil
}

func jsonResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := Registry{domain.ProviderFeed: NewFeedClient(nil, &fakeDoer{})}
	if _, err := reg.For(domain.ProviderFeed); err != nil {
		t.Fatalf("For(feed) error = %v", err)
	}
	if _, err := reg.For(domain.ProviderGraph); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestStatusErrorClassification(t *testing.T) {
	if err := statusError(http.StatusUnauthorized, time.Minute); !errors.Is(err, ErrAuth) {
		t.Fatalf("401 should be auth failure, got %v", err)
	}
	if err := statusError(http.StatusBadGateway, time.Minute); !errors.Is(err, ErrTransient) {
		t.Fatalf("502 should be transient, got %v", err)
	}
	err := statusError(http.StatusTooManyRequests, 90*time.Second)
	var rl RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != 90*time.Second {
		t.Fatalf("429 should carry retry-after, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("rate limit error must match the sentinel")
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "120")
	resp := &http.Response{Header: h}
	if got := retryAfterHeader(resp, time.Minute); got != 2*time.Minute {
		t.Fatalf("retryAfterHeader = %v", got)
	}
	resp.Header.Set("Retry-After", "soon")
	if got := retryAfterHeader(resp, time.Minute); got != time.Minute {
		t.Fatalf("garbled header should fall back, got %v", got)
	}
	if got := retryAfterHeader(nil, time.Minute); got != time.Minute {
		t.Fatalf("nil response should fall back, got %v", got)
	}
}
