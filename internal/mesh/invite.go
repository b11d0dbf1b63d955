package mesh

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// defaultInviteTTL and maxInviteTTL bound how long an out-of-band invite
// code remains redeemable; both 1 hour, matching the mesh's tight
// window for pairing a new peer before the code must be regenerated.
const (
	defaultInviteTTL = 3600 * time.Second
	maxInviteTTL     = 3600 * time.Second
)

// InvitePayload is the out-of-band invite handed to a new peer,
// encoded as base64url for copy-paste transport.
type InvitePayload struct {
	Endpoint          string `json:"endpoint"`
	NoiseStaticPubkey string `json:"noise_static_pubkey"`
	MLKEMEncapKey     string `json:"mlkem_encap_key"`
	InstanceID        string `json:"instance_id"`
	ExpiresAt         string `json:"expires_at"`
}

// NewInvite builds an invite from this identity's endpoint and key
// material. ttl of 0 uses the default; ttl is clamped to maxInviteTTL.
func NewInvite(endpoint, noiseStaticPubkey, mlkemEncapKey, instanceID string, ttl time.Duration) InvitePayload {
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	if ttl > maxInviteTTL {
		ttl = maxInviteTTL
	}
	return InvitePayload{
		Endpoint:          endpoint,
		NoiseStaticPubkey: noiseStaticPubkey,
		MLKEMEncapKey:     mlkemEncapKey,
		InstanceID:        instanceID,
		ExpiresAt:         time.Now().UTC().Add(ttl).Format(time.RFC3339),
	}
}

// Encode renders the invite as a base64url (no padding) string.
func (p InvitePayload) Encode() (string, error) {
	blob, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// DecodeInvite parses and validates an invite code, rejecting an
// expired one.
func DecodeInvite(code string) (InvitePayload, error) {
	blob, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return InvitePayload{}, err
	}
	var payload InvitePayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return InvitePayload{}, err
	}

	expires, err := time.Parse(time.RFC3339, payload.ExpiresAt)
	if err != nil {
		return InvitePayload{}, fmt.Errorf("invalid expires_at: %w", err)
	}
	if time.Now().UTC().After(expires) {
		return InvitePayload{}, fmt.Errorf("invite has expired (expired at %s)", payload.ExpiresAt)
	}
	return payload, nil
}
