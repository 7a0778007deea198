// Package hostport provides scheme-aware authority normalization for
// host[:port] comparison. Trusted-server matching and federated identity
// comparison both go through Normalize so that default-port and IDN
// variations of the same authority compare equal.
package hostport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Normalize returns a lowercase host[:port] with the scheme's default port
// stripped (:443 for https, :80 for http) and unicode hostnames converted to
// their IDNA ASCII form.
//
// Inputs are schemeless authorities; values containing "://" or "/" are
// rejected. IPv6 bracket form is preserved (e.g. [::1], [::1]:9200).
func Normalize(authority string, scheme string) (string, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return "", errors.New("hostport: empty authority")
	}

	if strings.Contains(authority, "://") {
		return "", fmt.Errorf("hostport: authority %q must not contain a scheme", authority)
	}

	if strings.Contains(authority, "/") {
		return "", fmt.Errorf("hostport: authority %q must not contain a path", authority)
	}

	// A dummy scheme lets url.Parse handle IPv6 brackets and port splitting.
	u, err := url.Parse("dummy://" + authority)
	if err != nil {
		return "", fmt.Errorf("hostport: invalid authority %q: %w", authority, err)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", fmt.Errorf("hostport: authority %q has no host", authority)
	}

	if !strings.Contains(hostname, ":") {
		if ascii, err := idna.Lookup.ToASCII(hostname); err == nil {
			hostname = ascii
		}
	}

	port := u.Port()
	if isDefaultPort(port, strings.ToLower(scheme)) {
		port = ""
	}

	if port == "" {
		// IPv6 addresses need brackets when emitted as standalone authorities.
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]", nil
		}
		return hostname, nil
	}

	return net.JoinHostPort(hostname, port), nil
}

func isDefaultPort(port, scheme string) bool {
	switch scheme {
	case "https":
		return port == "443"
	case "http":
		return port == "80"
	default:
		return false
	}
}
