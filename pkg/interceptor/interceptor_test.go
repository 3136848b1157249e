package interceptor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	statuses []int
	calls    int
	lastReq  *http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.lastReq = req
	status := rt.statuses[rt.calls]
	rt.calls++
	return &http.Response{
		StatusCode: status,
		Body:       http.NoBody,
		Header:     make(http.Header),
	}, nil
}

func TestBasicAuthInterceptorSetsHeader(t *testing.T) {
	rt := &recordingTransport{statuses: []int{200}}
	chain := NewChain(rt, &BasicAuthInterceptor{Username: "admin", Password: "secret"})

	req := httptest.NewRequest(http.MethodGet, "http://localhost/_changes", nil)
	resp, err := chain.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user, pass, ok := rt.lastReq.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "admin", user)
	require.Equal(t, "secret", pass)
}

func TestCookieInterceptorRetriesOnceOn401(t *testing.T) {
	rt := &recordingTransport{statuses: []int{401, 200}}
	logins := 0
	ci := &CookieInterceptor{
		LoginFunc: func() (*http.Cookie, error) {
			logins++
			return &http.Cookie{Name: "AuthSession", Value: "token"}, nil
		},
	}
	chain := NewChain(rt, ci)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/_changes", nil)
	resp, err := chain.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, rt.calls)
	require.Equal(t, 2, logins)
}

func TestCookieInterceptorGivesUpAfterOneRetry(t *testing.T) {
	rt := &recordingTransport{statuses: []int{401, 401}}
	ci := &CookieInterceptor{
		LoginFunc: func() (*http.Cookie, error) {
			return &http.Cookie{Name: "AuthSession", Value: "token"}, nil
		},
	}
	chain := NewChain(rt, ci)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/_changes", nil)
	resp, err := chain.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 2, rt.calls)
}
