package notifier

import (
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"eventType":"subscription.updated"}`)

	sig := Sign(secret, payload)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %q", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig)-len("sha256="))
	}

	if !VerifySignature(secret, payload, sig) {
		t.Error("expected signature to verify")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"a":1}`)

	if Sign(secret, payload) != Sign(secret, payload) {
		t.Error("expected identical signatures for identical input")
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"a":1}`)
	sig := Sign(secret, payload)

	if VerifySignature(secret, []byte(`{"a":2}`), sig) {
		t.Error("expected tampered payload to fail verification")
	}
	if VerifySignature([]byte("other-secret"), payload, sig) {
		t.Error("expected wrong secret to fail verification")
	}
	if VerifySignature(secret, payload, "md5=abc") {
		t.Error("expected unknown scheme to fail verification")
	}
	if VerifySignature(secret, payload, "") {
		t.Error("expected empty header to fail verification")
	}
}
