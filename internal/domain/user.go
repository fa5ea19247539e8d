// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 36

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

// UserID is the server-assigned identity of a call participant.
type UserID string

// ParseUserID validates a user identity coming from the control surface.
func ParseUserID(raw string) (UserID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}

// ParseUserIDs validates a list and fails on the first bad entry.
func ParseUserIDs(raw []string) ([]UserID, error) {
	out := make([]UserID, 0, len(raw))
	for _, r := range raw {
		id, err := ParseUserID(r)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
