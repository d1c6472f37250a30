package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"kind":"x"}`)

	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	require.Equal(t, want, ComputeSignature(payload, "s"))

	tests := []struct {
		name      string
		signature string
		secret    string
		wantErr   bool
	}{
		{"matching digest", want, "s", false},
		{"prefixed digest", "sha256=" + want, "s", false},
		{"wrong digest", ComputeSignature(payload, "other"), "s", true},
		{"truncated digest", want[:10], "s", true},
		{"not hex", "zz-not-hex", "s", true},
		{"no secret configured", want, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.signature, tt.secret)
			if tt.wantErr {
				var sigErr *SignatureValidationError
				assert.ErrorAs(t, err, &sigErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifySignature_BodyTampering(t *testing.T) {
	sig := ComputeSignature([]byte(`{"kind":"x"}`), "s")
	assert.Error(t, VerifySignature([]byte(`{"kind":"y"}`), sig, "s"))
}
