package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload keyed with secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats a signature for the X-Struktr-Signature header.
func SignatureHeader(secret string, payload []byte) string {
	return signaturePrefix + Sign(secret, payload)
}

// Verify checks a signature header (with or without the sha256= prefix) against
// payload in constant time.
func Verify(secret string, payload []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, payload))
	return hmac.Equal(got, want)
}
