package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultOrigin is used for callers that send no Origin header, such as
// local tools.
const DefaultOrigin = "localhost"

// OriginOf returns the normalized host[:port] of the request's Origin header.
// Internationalized names are converted to their ASCII form so that policies
// stored for one spelling apply to the other.
func OriginOf(r *http.Request) string {
	raw := r.Header.Get("Origin")
	if raw == "" || raw == "null" {
		return DefaultOrigin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return DefaultOrigin
	}
	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		host = strings.ToLower(u.Hostname())
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(host, port)
	}
	return host
}
