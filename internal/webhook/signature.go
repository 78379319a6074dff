package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature checks an HMAC-SHA256 hex signature over the raw request
// body using constant-time comparison. A missing secret, missing signature,
// or undecodable signature all fail closed.
func VerifySignature(payload []byte, signatureHex string, secret string) bool {
	if len(payload) == 0 || signatureHex == "" || secret == "" {
		return false
	}
	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignPayload computes the hex signature the processor would attach. Used by
// tests and local tooling.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
