package security

import (
	"errors"
	"testing"
	"time"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	issuer, verifier, err := NewTestKeys(15 * time.Minute)
	if err != nil {
		t.Fatalf("NewTestKeys: %v", err)
	}
	md := identitydomain.Metadata{Name: "Ana", Email: "ana@example.com", Document: "12345678900", Role: "DRIVER"}
	token, exp, err := issuer.Issue("u1", "s1", md)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}

	s, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if s.Identity != "u1" || s.ID != "s1" || s.AccessToken != token {
		t.Errorf("session = %+v", s)
	}
	if s.Metadata != md {
		t.Errorf("metadata = %+v, want %+v", s.Metadata, md)
	}
	if !s.Valid(time.Now()) {
		t.Error("fresh session should be valid")
	}
}

func TestTokenIssuer_GeneratesSessionID(t *testing.T) {
	issuer, verifier, err := NewTestKeys(time.Minute)
	if err != nil {
		t.Fatalf("NewTestKeys: %v", err)
	}
	token, _, err := issuer.Issue("u1", "", identitydomain.Metadata{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	s, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if s.ID == "" {
		t.Error("session id should be generated")
	}
}

func TestTokenVerifier_Rejects(t *testing.T) {
	issuer, verifier, err := NewTestKeys(time.Minute)
	if err != nil {
		t.Fatalf("NewTestKeys: %v", err)
	}
	valid, _, err := issuer.Issue("u1", "s1", identitydomain.Metadata{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	noSubject, _, _ := issuer.Issue("", "s1", identitydomain.Metadata{})

	otherAudience := NewTokenVerifier(verifier.publicKey, "test-issuer", "other")
	otherIssuer := NewTokenVerifier(verifier.publicKey, "other", "test-audience")
	later := NewTokenVerifier(verifier.publicKey, "test-issuer", "test-audience")
	later.now = func() time.Time { return time.Now().Add(time.Hour) }

	testCases := []struct {
		name  string
		v     *TokenVerifier
		token string
	}{
		{"garbage", verifier, "invalid-token"},
		{"tampered", verifier, valid + "x"},
		{"wrong audience", otherAudience, valid},
		{"wrong issuer", otherIssuer, valid},
		{"expired", later, valid},
		{"no subject", verifier, noSubject},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.v.Verify(tc.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify err = %v, want ErrInvalidToken", err)
			}
			if !errors.Is(err, identitydomain.ErrSessionInvalid) {
				t.Error("ErrInvalidToken should match ErrSessionInvalid")
			}
		})
	}
}
