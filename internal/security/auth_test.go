package security

import (
	"net/http/httptest"
	"testing"
)

func TestBearerAuth(t *testing.T) {
	auth := BearerAuth{Enabled: true, Token: "secret"}

	req := httptest.NewRequest("GET", "/v1/sync", nil)
	if auth.Authorize(req) {
		t.Fatal("missing header authorized")
	}

	req.Header.Set("Authorization", "Bearer secret")
	if !auth.Authorize(req) {
		t.Fatal("valid token rejected")
	}

	req.Header.Set("Authorization", "Bearer wrong!")
	if auth.Authorize(req) {
		t.Fatal("wrong token authorized")
	}

	req.Header.Set("Authorization", "Basic secret")
	if auth.Authorize(req) {
		t.Fatal("non-bearer scheme authorized")
	}

	disabled := BearerAuth{Enabled: false}
	req = httptest.NewRequest("GET", "/v1/sync", nil)
	if !disabled.Authorize(req) {
		t.Fatal("disabled auth must allow everything")
	}
}

func TestSecretEqual(t *testing.T) {
	if !SecretEqual("state-1", "state-1") {
		t.Fatal("equal secrets rejected")
	}
	if SecretEqual("state-1", "state-2") {
		t.Fatal("different secrets accepted")
	}
	if SecretEqual("short", "a-longer-secret") {
		t.Fatal("length mismatch accepted")
	}
	if !SecretEqual("", "") {
		t.Fatal("two empty strings should compare equal")
	}
}
