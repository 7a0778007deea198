// Package cloudid parses and formats federation cloud identifiers of the
// form "user@host". The user part may itself contain "@" characters, so
// parsing splits on the last one.
package cloudid

import (
	"fmt"
	"strings"
)

// CloudID identifies a user on a federation server.
type CloudID struct {
	User string
	Host string
}

// Parse splits a cloud id into user and host on the last "@".
// The host part must be a bare authority; a scheme or path is rejected.
func Parse(s string) (CloudID, error) {
	idx := strings.LastIndex(s, "@")
	if idx <= 0 || idx == len(s)-1 {
		return CloudID{}, fmt.Errorf("invalid cloud id %q", s)
	}

	user := s[:idx]
	host := s[idx+1:]

	if strings.Contains(host, "://") {
		return CloudID{}, fmt.Errorf("invalid cloud id %q: host must not carry a scheme", s)
	}
	if strings.ContainsAny(host, "/ ") {
		return CloudID{}, fmt.Errorf("invalid cloud id %q: host must be a bare authority", s)
	}

	return CloudID{User: user, Host: host}, nil
}

// String formats the cloud id as user@host.
func (c CloudID) String() string {
	return c.User + "@" + c.Host
}
