package types

import (
	"context"
	"testing"
)

func TestContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRoles(ctx, []string{"operator"})

	if v, ok := TraceID(ctx); !ok || v != "trace-1" {
		t.Fatalf("TraceID = %q, %v", v, ok)
	}
	if v, ok := UserID(ctx); !ok || v != "user-1" {
		t.Fatalf("UserID = %q, %v", v, ok)
	}
	if !HasRole(ctx, "operator") {
		t.Fatalf("expected operator role")
	}
	if HasRole(ctx, "admin") {
		t.Fatalf("unexpected admin role")
	}
}

func TestContext_EmptyValuesAbsent(t *testing.T) {
	t.Parallel()

	ctx := WithUserID(context.Background(), "")
	if _, ok := UserID(ctx); ok {
		t.Fatalf("empty user ID should read as absent")
	}
	if _, ok := SessionID(context.Background()); ok {
		t.Fatalf("unset session ID should read as absent")
	}
}

func TestIdentityFromContext_UserPreferredOverSession(t *testing.T) {
	t.Parallel()

	ctx := WithSessionID(context.Background(), "sess-9")
	id := IdentityFromContext(ctx)
	if !id.IsZero() && id.SessionID != "sess-9" {
		t.Fatalf("expected session identity, got %v", id)
	}

	ctx = WithUserID(ctx, "user-9")
	id = IdentityFromContext(ctx)
	if id.UserID != "user-9" || id.SessionID != "" {
		t.Fatalf("user ID should win over session ID, got %v", id)
	}
}
