package authnz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testStateKey = []byte("0123456789abcdef0123456789abcdef")

func TestStateRoundTrip(t *testing.T) {
	signer, err := NewStateSigner(testStateKey, "https://authnz.test", time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner: %v", err)
	}
	token, err := signer.Sign("pending-1", "cilogon")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, provider, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != "pending-1" || provider != "cilogon" {
		t.Fatalf("unexpected claims id=%q provider=%q", id, provider)
	}
}

func TestStateRejectsExpired(t *testing.T) {
	signer, _ := NewStateSigner(testStateKey, "https://authnz.test", time.Minute)
	base := time.Now()
	signer.now = func() time.Time { return base }
	token, err := signer.Sign("pending-1", "cilogon")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, _, err := signer.Verify(token); err == nil {
		t.Fatalf("expected expired state to be rejected")
	}
}

func TestStateRejectsForeignKeyAndIssuer(t *testing.T) {
	signer, _ := NewStateSigner(testStateKey, "https://authnz.test", time.Minute)
	token, _ := signer.Sign("pending-1", "cilogon")

	other, _ := NewStateSigner([]byte("another-key-another-key-another!"), "https://authnz.test", time.Minute)
	if _, _, err := other.Verify(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	otherIssuer, _ := NewStateSigner(testStateKey, "https://elsewhere.test", time.Minute)
	if _, _, err := otherIssuer.Verify(token); err == nil {
		t.Fatalf("expected issuer mismatch")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("state is not a compact JWT: %q", token)
	}
	if _, _, err := signer.Verify(parts[0] + "." + parts[1] + ".AAAA"); err == nil {
		t.Fatalf("expected tampered signature to fail")
	}
}

func TestNewStateSignerValidates(t *testing.T) {
	if _, err := NewStateSigner([]byte("short"), "x", time.Minute); err == nil {
		t.Fatalf("expected short key error")
	}
	if _, err := NewStateSigner(testStateKey, "x", 0); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestPendingStoreSingleUseAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPendingStore(time.Minute)
	base := time.Now()
	store.now = func() time.Time { return base }

	mustSave := func(p PendingLogin) {
		t.Helper()
		if err := store.Save(ctx, p); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	mustSave(PendingLogin{ID: "a", CreatedAt: base})
	if _, err := store.Consume(ctx, "a"); err != nil {
		t.Fatalf("expected pending login, got %v", err)
	}
	if _, err := store.Consume(ctx, "a"); !errors.Is(err, ErrPendingNotFound) {
		t.Fatalf("pending login must be single use, got %v", err)
	}

	mustSave(PendingLogin{ID: "b", CreatedAt: base})
	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := store.Consume(ctx, "b"); !errors.Is(err, ErrPendingNotFound) {
		t.Fatalf("expired pending login should not be returned, got %v", err)
	}

	mustSave(PendingLogin{ID: "old", CreatedAt: base})
	mustSave(PendingLogin{ID: "new", CreatedAt: base.Add(2 * time.Minute)})
	if n := store.len(); n != 1 {
		t.Fatalf("expected expired entries to be swept, have %d", n)
	}
}
