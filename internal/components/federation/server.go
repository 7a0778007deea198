package federation

import "strings"

// CanonicalServer reduces a remote server reference to its bare authority.
// Outbound payloads carry the peer's full origin while cloud ids carry only
// the host part; invitations and shadow rooms store and match the latter
// form, so both spellings resolve the same records.
func CanonicalServer(server string) string {
	if idx := strings.Index(server, "://"); idx >= 0 {
		server = server[idx+3:]
	}
	return strings.TrimSuffix(server, "/")
}
