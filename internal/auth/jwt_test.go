package auth

import (
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "ringlink", "relay")

	token, err := v.Sign("alice", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "alice" {
		t.Errorf("user id = %q, want alice", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewVerifier([]byte("secret-a"), "", "")
	verifier := NewVerifier([]byte("secret-b"), "", "")

	token, err := signer.Sign("alice", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Error("expected verification failure with wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "", "")

	token, err := v.Sign("alice", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Error("expected verification failure for expired token")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "", "")
	if _, err := v.Verify("not-a-token"); err == nil {
		t.Error("expected verification failure for garbage input")
	}
}
