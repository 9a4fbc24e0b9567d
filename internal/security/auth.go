package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the management API. Webhook callbacks never carry the
// bearer token; they authenticate with per-subscription secrets instead.
type BearerAuth struct {
	Enabled bool
	Token   string
}

func (a BearerAuth) Authorize(r *http.Request) bool {
	if !a.Enabled {
		return true
	}
	head := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(head, prefix) {
		return false
	}
	candidate := strings.TrimSpace(strings.TrimPrefix(head, prefix))
	return SecretEqual(candidate, a.Token)
}

// SecretEqual compares two secret strings in constant time. Used for both
// the bearer token and the client-validation secrets carried by provider
// notifications.
func SecretEqual(candidate, want string) bool {
	if len(candidate) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1
}
