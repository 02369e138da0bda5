package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so that
// comparisons remain case-insensitive. Domain names are case-insensitive
// per RFC 1035.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

// UserServerName returns the server part of a user ID, or false if the ID
// is malformed.
func UserServerName(userID string) (spec.ServerName, bool) {
	uid, err := spec.NewUserID(userID, true)
	if err != nil {
		return "", false
	}
	return NormalizeServerName(uid.Domain()), true
}
