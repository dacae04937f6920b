package flow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/idport/idport/internal/core"
)

// ControlToken is the opaque, encrypted handle the external login page
// carries between the authorize and return round trips. It points back at
// the flow session and is only honored inside its validity window.
type ControlToken struct {
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// SealControlToken encrypts the control token with AES-GCM under key and
// returns it base64url encoded.
func SealControlToken(key []byte, tok ControlToken) (string, error) {
	plaintext, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encoding control token: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenControlToken decrypts a sealed control token and enforces its
// validity window. Tampered, expired and garbage inputs all collapse into
// one error so a caller cannot tell them apart.
func OpenControlToken(key []byte, sealed string, now time.Time) (*ControlToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, core.NewFlowError("invalid control token")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, core.NewFlowError("invalid control token")
	}

	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return nil, core.NewFlowError("invalid control token")
	}

	var tok ControlToken
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return nil, core.NewFlowError("invalid control token")
	}
	if now.Unix() < tok.IssuedAt || now.Unix() >= tok.ExpiresAt {
		return nil, core.NewFlowError("invalid control token")
	}
	return &tok, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, core.NewConfigError("control-token key: %v", err)
	}
	return cipher.NewGCM(block)
}
