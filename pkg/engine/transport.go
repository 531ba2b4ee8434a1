package engine

import (
	"net/http"
	"strconv"

	"github.com/Sternrassler/offline-cache/pkg/store"
)

// RoundTrip implements http.RoundTripper. GET requests are served by Do and
// never fail; every other method goes to the bypass transport untouched.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return e.bypass.RoundTrip(req)
	}
	if req.Body != nil {
		req.Body.Close()
	}
	return e.Do(req), nil
}

// Client returns an HTTP client that routes requests through the engine.
func (e *Engine) Client() *http.Client {
	return &http.Client{Transport: e}
}

// transportFailed answers a bypassed request whose transport failed.
func transportFailed(req *http.Request, err error) *http.Response {
	body := []byte(err.Error() + "\n")
	resp := &http.Response{
		Status:        "502 " + http.StatusText(http.StatusBadGateway),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          newBody(body),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set(store.HeaderSource, SourceMiss)
	return resp
}
