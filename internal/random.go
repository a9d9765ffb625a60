// Package internal holds identifier and token primitives shared by the
// authcore engine and its stores. Nothing here is part of the public API.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

type SessionID [16]byte

const loginTokenRawSize = 32

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewLoginToken returns an opaque 32-byte one-time token in base64url form.
// The token itself is the lookup handle; the store keys on its SHA-256 so a
// dump of Redis never yields presentable tokens.
func NewLoginToken() (string, error) {
	var raw [loginTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashLoginToken derives the store key for a login token.
func HashLoginToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// EncodeTokenHash renders a token hash as a compact key segment.
func EncodeTokenHash(hash [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// NewCSRFToken returns a 32-byte anti-CSRF secret in base64url form.
func NewCSRFToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
