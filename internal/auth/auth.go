// Package auth verifies gateway-signed requests.
//
// The gateway forwards caller identity as a base64-encoded JSON claims header
// and signs every request with a shared secret. The signature covers the
// method, path, body digest, and the raw (still-encoded) claims header, so a
// claims blob cannot be swapped without invalidating the signature.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/novalto/traind/internal/model"
)

// ErrUnauthorized is returned when the request carries no usable proof of
// identity: missing headers, a signature mismatch, or undecodable claims.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when the signature and claims are valid but the
// caller lacks the required privilege.
var ErrForbidden = errors.New("forbidden")

// CanonicalString builds the exact string covered by the request signature.
// The claims header is included raw, before any decoding.
func CanonicalString(method, path string, body []byte, claimsHeader string) string {
	digest := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%s\n%s", method, path, hex.EncodeToString(digest[:]), claimsHeader)
}

// Sign computes the hex HMAC-SHA256 signature of the canonical string.
func Sign(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the gateway signature for a request and, if it holds, decodes
// and returns the caller's claims. Claims are only decoded after the signature
// verifies; a decoding failure is an authentication failure, not an
// authorization one.
//
// Returns ErrUnauthorized for missing headers, signature mismatch, or
// malformed claims, and ErrForbidden when requireAdmin is set but the verified
// claims carry admin=false.
func Verify(method, path string, body []byte, claimsHeader, signature, secret string, requireAdmin bool) (model.UserClaims, error) {
	if claimsHeader == "" || signature == "" {
		return model.UserClaims{}, fmt.Errorf("missing authentication headers: %w", ErrUnauthorized)
	}

	expected := Sign(CanonicalString(method, path, body, claimsHeader), secret)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return model.UserClaims{}, fmt.Errorf("invalid signature: %w", ErrUnauthorized)
	}

	claims, err := decodeClaims(claimsHeader)
	if err != nil {
		return model.UserClaims{}, fmt.Errorf("invalid user claims: %w", ErrUnauthorized)
	}

	if requireAdmin && !claims.Admin {
		return model.UserClaims{}, fmt.Errorf("admin privileges required: %w", ErrForbidden)
	}

	return claims, nil
}

// decodeClaims parses the base64-encoded JSON claims header.
func decodeClaims(header string) (model.UserClaims, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return model.UserClaims{}, fmt.Errorf("decode base64: %w", err)
	}

	var claims model.UserClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return model.UserClaims{}, fmt.Errorf("parse claims JSON: %w", err)
	}
	return claims, nil
}
