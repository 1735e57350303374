package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoIdentity is returned when a request carries no resolvable caller identity.
var ErrNoIdentity = errors.New("missing caller identity")

// Identity resolves the caller's owner id from a request. Authentication
// itself happens at an upstream gateway; this capability only extracts the
// identity the gateway established, and is never re-implemented inside the
// core.
type Identity interface {
	Resolve(r *http.Request) (string, error)
}

// DefaultIdentityHeader is the header the gateway injects after validating
// the caller's token.
const DefaultIdentityHeader = "X-User-Id"

// HeaderIdentity trusts a gateway-injected header for the owner id. The
// service must only be reachable through the gateway for this trust to hold.
type HeaderIdentity struct {
	Header string // empty means DefaultIdentityHeader
}

// Resolve implements Identity.
func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultIdentityHeader
	}
	owner := strings.TrimSpace(r.Header.Get(header))
	if owner == "" {
		return "", ErrNoIdentity
	}
	return owner, nil
}
