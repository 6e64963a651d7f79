package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Persisted state keys.
const (
	KeySession  = "portfolio_auth_pieces"
	KeyAttempts = "portfolio_auth_attempts"
	KeyLockout  = "portfolio_auth_lockout"
)

// session is the JSON document stored under KeySession.
type session struct {
	AuthenticatedPieces []string `json:"authenticatedPieces"`
	ExpiresAt           int64    `json:"expiresAt"` // epoch ms, 0 = no session
}

func (s session) contains(id string) bool {
	for _, p := range s.AuthenticatedPieces {
		if p == id {
			return true
		}
	}
	return false
}

// expiredAt reports whether a set session has passed its expiry at nowMs.
func (s session) expiredAt(nowMs int64) bool {
	return s.ExpiresAt > 0 && nowMs > s.ExpiresAt
}

func decodeSession(raw string) (session, error) {
	var s session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return session{}, fmt.Errorf("decode session: %w", err)
	}
	if s.AuthenticatedPieces == nil {
		s.AuthenticatedPieces = []string{}
	}
	return s, nil
}

func encodeSession(s session) (string, error) {
	if s.AuthenticatedPieces == nil {
		s.AuthenticatedPieces = []string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(data), nil
}

// decodeInt parses the decimal text used for the attempt counter and lockout instant.
func decodeInt(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode integer %q: %w", raw, err)
	}
	return n, nil
}

func encodeInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
