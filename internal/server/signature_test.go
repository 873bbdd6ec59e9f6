package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "test-secret"

	if !VerifySignature(payload, signBody(payload, secret), secret) {
		t.Error("Valid signature should verify")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"empty signature", ""},
		{"missing prefix", "deadbeef"},
		{"wrong digest", SignaturePrefix + "deadbeef"},
		{"wrong secret", signBody(payload, "other-secret")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignature(payload, tt.signature, "test-secret") {
				t.Error("Signature should not verify")
			}
		})
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := signBody(payload, "test-secret")

	tampered := []byte(`{"ref":"refs/heads/evil"}`)
	if VerifySignature(tampered, signature, "test-secret") {
		t.Error("Tampered payload should not verify")
	}
}
