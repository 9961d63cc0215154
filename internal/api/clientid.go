package api

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// clientIDPattern accepts UUID-shaped identifiers with or without dashes.
// Anything else counts as absent so a hostile header cannot pick an
// arbitrary scope key.
var clientIDPattern = regexp.MustCompile(`^[a-fA-F0-9-]{32,64}$`)

// resolveClientID returns the caller's conversation scope. A missing or
// malformed X-Client-ID header mints a fresh ID; either way the resolved
// value is echoed on the response so the caller can persist it.
func resolveClientID(w http.ResponseWriter, r *http.Request) (id string, minted bool) {
	id = strings.TrimSpace(r.Header.Get("X-Client-ID"))
	if !clientIDPattern.MatchString(id) {
		id = uuid.NewString()
		minted = true
	}
	w.Header().Set("X-Client-ID", id)
	return id, minted
}

// rateLimitKey scopes the limiter. A caller-supplied client ID is the key;
// minted IDs change every request, so those callers are keyed by remote host
// instead.
func rateLimitKey(r *http.Request, clientID string, minted bool) string {
	if !minted {
		return clientID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
