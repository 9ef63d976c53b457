package session

import (
	"net/http"
	"strings"
)

// Transport is an http.RoundTripper that adds the bearer token from Source
// to every request. Token errors are returned without sending the request.
type Transport struct {
	Source TokenSource

	// Base is the underlying transport.
	// Default: http.DefaultTransport
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Source == nil {
		return base.RoundTrip(req)
	}

	token, err := t.Source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	return base.RoundTrip(r)
}
