package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	challengeLength = 43
	maxAuthAttempts = 3
)

// AuthHandler runs the HMAC-SHA256 challenge/response handshake. With no
// shared secret configured every client is accepted without a handshake.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge returns a random URL-safe challenge.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge, err := gonanoid.New(challengeLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return challenge, nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifySecret compares a presented secret with the configured one.
func (a *AuthHandler) VerifySecret(secret string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Respond checks a client's answer to its challenge. A client is dropped
// by the caller once authAttempts reaches maxAuthAttempts.
func (a *AuthHandler) Respond(c *Client, signature string) AuthResult {
	switch {
	case c.challenge == "":
		return authFailure("No challenge found")
	case a.VerifySignature(c.challenge, signature):
		c.markAuthenticated()
		return AuthResult{Event: "auth.success", Success: true}
	}

	c.authAttempts++
	if c.authAttempts >= maxAuthAttempts {
		return authFailure("Too many failed attempts")
	}
	return authFailure("Invalid signature")
}

func authFailure(msg string) AuthResult {
	return AuthResult{Event: "auth.failure", Message: msg}
}
