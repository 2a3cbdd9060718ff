package interceptors

import (
	"context"
	"testing"
)

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u1", "s1")
	identity, ok := GetIdentity(ctx)
	if !ok || identity != "u1" {
		t.Errorf("identity = %q, %v", identity, ok)
	}
	sessionID, ok := GetSessionID(ctx)
	if !ok || sessionID != "s1" {
		t.Errorf("session_id = %q, %v", sessionID, ok)
	}
}

func TestGetters_NotSet(t *testing.T) {
	if _, ok := GetIdentity(context.Background()); ok {
		t.Error("GetIdentity should return false")
	}
	if _, ok := GetSessionID(context.Background()); ok {
		t.Error("GetSessionID should return false")
	}
}

func TestContext_Isolation(t *testing.T) {
	ctx1 := WithIdentity(context.Background(), "u1", "s1")
	ctx2 := WithIdentity(context.Background(), "u2", "s2")
	a, _ := GetIdentity(ctx1)
	b, _ := GetIdentity(ctx2)
	if a != "u1" || b != "u2" {
		t.Errorf("identities = %q, %q", a, b)
	}
}
