package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"tradecopy/internal/domain"
)

func TestParseActionCaseInsensitive(t *testing.T) {
	cases := map[string]domain.Action{
		"buy": domain.ActionBuy, "BUY": domain.ActionBuy,
		"sell": domain.ActionSell, "Sell": domain.ActionSell,
		"close": domain.ActionClose, "CLOSE": domain.ActionClose,
	}
	for raw, want := range cases {
		got, err := parseAction(raw)
		if err != nil {
			t.Fatalf("parseAction(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("parseAction(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseActionRejectsUnknown(t *testing.T) {
	if _, err := parseAction("short"); err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

func TestDedupKeyForIsStableWithinWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 10, 0, time.UTC)
	later := now.Add(20 * time.Second) // same 60s bucket
	body := []byte(`{"action":"buy"}`)

	k1 := dedupKeyFor("tok", body, now)
	k2 := dedupKeyFor("tok", body, later)
	if k1 != k2 {
		t.Fatalf("keys differ within the same dedup bucket: %s vs %s", k1, k2)
	}
}

func TestDedupKeyForChangesAcrossWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	later := now.Add(2 * time.Minute)
	body := []byte(`{"action":"buy"}`)

	k1 := dedupKeyFor("tok", body, now)
	k2 := dedupKeyFor("tok", body, later)
	if k1 == k2 {
		t.Fatal("expected different keys across dedup buckets")
	}
}

func TestDedupKeyForChangesWithDifferentBody(t *testing.T) {
	now := time.Now()
	k1 := dedupKeyFor("tok", []byte(`{"action":"buy"}`), now)
	k2 := dedupKeyFor("tok", []byte(`{"action":"sell"}`), now)
	if k1 == k2 {
		t.Fatal("expected different keys for different bodies")
	}
}

func TestDedupKeyForChangesWithDifferentToken(t *testing.T) {
	now := time.Now()
	body := []byte(`{"action":"buy"}`)
	k1 := dedupKeyFor("tok-a", body, now)
	k2 := dedupKeyFor("tok-b", body, now)
	if k1 == k2 {
		t.Fatal("expected different keys for different tokens")
	}
}

func TestVerifySignatureAcceptsValidHMAC(t *testing.T) {
	body := []byte(`{"action":"buy"}`)
	secret := "s3cret"
	// Computed the same way verifySignature computes "expected".
	good := verifySignature(secret, body, expectedSignature(secret, body))
	if !good {
		t.Fatal("expected a correctly computed signature to verify")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"action":"buy"}`)
	sig := expectedSignature("right-secret", body)
	if verifySignature("wrong-secret", body, sig) {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "s3cret"
	sig := expectedSignature(secret, []byte(`{"action":"buy"}`))
	if verifySignature(secret, []byte(`{"action":"sell"}`), sig) {
		t.Fatal("expected verification to fail for a tampered body")
	}
}

// expectedSignature computes the HMAC-SHA256 hex digest independently
// of verifySignature, so these tests don't validate the function
// against its own output.
func expectedSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
