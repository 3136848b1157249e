// Package interceptor defines the request/response mutation seam the pull
// replicator's HTTP client runs through before and after each call to a
// remote CouchDB-compatible endpoint. It is deliberately thin: couchkeep
// owns the contract, not a full auth stack (cookie session management, IAM
// token exchange) — callers compose their own Interceptor out of this
// package's primitives or bring their own.
package interceptor

import "net/http"

// Outcome tells the caller what to do after InterceptResponse runs.
type Outcome int

const (
	// Continue means the response should be returned to the caller as-is.
	Continue Outcome = iota
	// Retry means the request should be resent after InterceptRequest runs
	// again on a fresh copy of it (used for session-expiry retry-once logic).
	Retry
)

// Interceptor mutates an outgoing request before it is sent and inspects
// the response that comes back, optionally asking for one retry.
type Interceptor interface {
	// InterceptRequest is called before the request is sent. It may add
	// headers (auth, cookies) in place.
	InterceptRequest(req *http.Request) error
	// InterceptResponse is called after the response is received. It may
	// update internal state (a refreshed cookie) and decides whether the
	// request should be retried.
	InterceptResponse(resp *http.Response) (Outcome, error)
}

// Chain runs a sequence of Interceptors as a single http.RoundTripper,
// retrying the request once per interceptor that returns Retry.
type Chain struct {
	Transport    http.RoundTripper
	Interceptors []Interceptor
}

// NewChain builds a Chain over the given interceptors. A nil transport
// defaults to http.DefaultTransport.
func NewChain(transport http.RoundTripper, interceptors ...Interceptor) *Chain {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Chain{Transport: transport, Interceptors: interceptors}
}

// RoundTrip implements http.RoundTripper.
func (c *Chain) RoundTrip(req *http.Request) (*http.Response, error) {
	retried := make([]bool, len(c.Interceptors))
	for {
		outReq := req.Clone(req.Context())
		for _, ic := range c.Interceptors {
			if err := ic.InterceptRequest(outReq); err != nil {
				return nil, err
			}
		}

		resp, err := c.Transport.RoundTrip(outReq)
		if err != nil {
			return nil, err
		}

		retry := false
		for i, ic := range c.Interceptors {
			outcome, err := ic.InterceptResponse(resp)
			if err != nil {
				return resp, err
			}
			if outcome == Retry && !retried[i] {
				retried[i] = true
				retry = true
			}
		}
		if !retry {
			return resp, nil
		}
		resp.Body.Close()
	}
}
