package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// ComputeSignature returns the hex HMAC-SHA256 of payload under secret
func ComputeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 digest over the raw body. An
// optional "sha256=" prefix is accepted.
func VerifySignature(payload []byte, signature, secret string) error {
	if secret == "" {
		return &SignatureValidationError{Reason: "no signing secret configured"}
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return &SignatureValidationError{Reason: "signature is not valid hex"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &SignatureValidationError{Reason: "signature mismatch"}
	}
	return nil
}
