package interceptor

import "net/http"

// BasicAuthInterceptor sets HTTP Basic Authentication credentials on every
// outgoing request. It never retries; a 401 is surfaced to the caller.
type BasicAuthInterceptor struct {
	Username string
	Password string
}

func (b *BasicAuthInterceptor) InterceptRequest(req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

func (b *BasicAuthInterceptor) InterceptResponse(resp *http.Response) (Outcome, error) {
	return Continue, nil
}
