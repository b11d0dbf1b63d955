package mesh

import (
	"strings"
	"testing"
	"time"
)

func TestInviteEncodeDecodeRoundTrip(t *testing.T) {
	invite := NewInvite("10.0.0.5:7331", "noisepub", "mlkemek", "instance123", 0)

	code, err := invite.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeInvite(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Endpoint != invite.Endpoint || decoded.InstanceID != invite.InstanceID {
		t.Fatalf("expected decoded invite to match original, got %+v vs %+v", decoded, invite)
	}
}

func TestInviteTTLClampedToMax(t *testing.T) {
	invite := NewInvite("10.0.0.5:7331", "noisepub", "mlkemek", "instance123", 24*time.Hour)

	expires, err := time.Parse(time.RFC3339, invite.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at: %v", err)
	}

	if expires.After(time.Now().UTC().Add(maxInviteTTL + time.Minute)) {
		t.Fatalf("expected ttl to be clamped to %s, got expiry %s", maxInviteTTL, invite.ExpiresAt)
	}
}

func TestDecodeInviteRejectsExpired(t *testing.T) {
	invite := InvitePayload{
		Endpoint:          "10.0.0.5:7331",
		NoiseStaticPubkey: "noisepub",
		MLKEMEncapKey:     "mlkemek",
		InstanceID:        "instance123",
		ExpiresAt:         time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	code, err := invite.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = DecodeInvite(code)
	if err == nil {
		t.Fatal("expected error decoding an expired invite")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected error message to mention expiry, got %q", err.Error())
	}
}

func TestDecodeInviteRejectsMalformedCode(t *testing.T) {
	if _, err := DecodeInvite("not-valid-base64url!!!"); err == nil {
		t.Fatal("expected error decoding a malformed invite code")
	}
}
