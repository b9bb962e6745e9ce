package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	sessionIDPrefix = "sess_"
	sandboxIDPrefix = "sbx_"
)

var (
	sessionIDPattern = regexp.MustCompile(`^sess_[a-zA-Z0-9]{24}$`)
	sandboxIDPattern = regexp.MustCompile(`^sbx_[a-zA-Z0-9]{24}$`)
)

// NewSessionID generates a new session ID with the "sess_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewSessionID() string {
	return sessionIDPrefix + randomAlphanumeric(idLength)
}

// NewSandboxID generates a new sandbox ID with the "sbx_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewSandboxID() string {
	return sandboxIDPrefix + randomAlphanumeric(idLength)
}

// ValidateSessionID checks whether the given string is a well-formed
// generated session ID. Client-chosen session IDs are also accepted at the
// HTTP boundary; this check is for IDs datachat minted itself.
func ValidateSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidateSandboxID checks whether the given string is a valid sandbox ID
// (matches "sbx_" + 24 alphanumeric characters).
func ValidateSandboxID(id string) bool {
	return sandboxIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
