package app

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sevenofnine/calsync/internal/provider"
)

// StaticTokens serves one configured access token for every connection of a
// provider. Real token refresh lives outside this process; an empty token is
// reported as an auth failure so syncs fail fast instead of hitting the
// provider with a blank header.
type StaticTokens struct {
	Token string
}

func (s StaticTokens) AccessToken(_ context.Context, connectionID string) (string, error) {
	if s.Token == "" {
		return "", fmt.Errorf("no access token configured for connection %s: %w", connectionID, provider.ErrAuth)
	}
	return s.Token, nil
}

// FeedURLValidator rejects feed URLs that would let a stored connection
// steer fetches at internal infrastructure.
type FeedURLValidator struct{}

func (FeedURLValidator) Validate(_ context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed url scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("feed url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("feed url host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("feed url address %s not allowed", ip)
		}
	}
	return nil
}
