package models

import (
	"crypto/rand"
	"encoding/base64"
)

// idBytes yields a 16-character base64url id with no padding.
const idBytes = 12

// NewID returns a short URL-safe identifier for sessions, messages and
// artifacts. Ids appear in URLs and branch names, so they are kept
// short and restricted to the base64url alphabet.
func NewID() string {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
