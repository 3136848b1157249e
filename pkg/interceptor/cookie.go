package interceptor

import (
	"net/http"
	"sync"
)

// CookieInterceptor authenticates with CouchDB's cookie-based session auth
// (POST /_session up front, AuthSession cookie on every request after).
// Login is performed lazily by LoginFunc the first time a request needs a
// cookie, and again once after a 401 — the "tagged variant returning Retry
// or Continue" redesign note calls for.
type CookieInterceptor struct {
	// LoginFunc performs the session handshake and returns the resulting
	// AuthSession cookie value.
	LoginFunc func() (*http.Cookie, error)

	mu      sync.Mutex
	cookie  *http.Cookie
	retried bool
}

func (c *CookieInterceptor) InterceptRequest(req *http.Request) error {
	c.mu.Lock()
	cookie := c.cookie
	c.mu.Unlock()

	if cookie == nil {
		fresh, err := c.LoginFunc()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.cookie = fresh
		cookie = fresh
		c.mu.Unlock()
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return nil
}

func (c *CookieInterceptor) InterceptResponse(resp *http.Response) (Outcome, error) {
	if resp.StatusCode != http.StatusUnauthorized {
		c.mu.Lock()
		c.retried = false
		c.mu.Unlock()
		return Continue, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retried {
		// already retried once for this session cycle, give up
		c.retried = false
		return Continue, nil
	}
	c.cookie = nil
	c.retried = true
	return Retry, nil
}
