// Package testutil provides fakes shared by the package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MockHTTPDoer implements github.HTTPDoer for testing.
// Responses are keyed by method and request URI (path plus query), so tests
// do not depend on the base URL.
type MockHTTPDoer struct {
	responses map[string][]mockResponse
	errors    map[string]error
	calls     []HTTPCall
	mu        sync.Mutex
}

type mockResponse struct {
	header http.Header
	body   []byte
	status int
}

// HTTPCall records a single HTTP call.
type HTTPCall struct {
	Method string
	URI    string
	Auth   string
}

// NewMockHTTPDoer creates a new MockHTTPDoer.
func NewMockHTTPDoer() *MockHTTPDoer {
	return &MockHTTPDoer{
		responses: make(map[string][]mockResponse),
		errors:    make(map[string]error),
	}
}

// Do returns the next configured response for the request. The last response
// for a key repeats once the queue is exhausted. Unknown requests get a 404.
func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := req.URL.RequestURI()
	m.calls = append(m.calls, HTTPCall{
		Method: req.Method,
		URI:    uri,
		Auth:   req.Header.Get("Authorization"),
	})

	key := req.Method + ":" + uri
	if err, ok := m.errors[key]; ok {
		return nil, err
	}

	queue, ok := m.responses[key]
	if !ok || len(queue) == 0 {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Body:       io.NopCloser(strings.NewReader(`{"message":"Not Found"}`)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	r := queue[0]
	if len(queue) > 1 {
		m.responses[key] = queue[1:]
	}
	return &http.Response{
		StatusCode: r.status,
		Status:     fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		Body:       io.NopCloser(bytes.NewReader(r.body)),
		Header:     r.header.Clone(),
		Request:    req,
	}, nil
}

// SetResponse queues a JSON response for a method and request URI.
func (m *MockHTTPDoer) SetResponse(method, uri string, statusCode int, body any) {
	m.SetResponseWithHeader(method, uri, statusCode, nil, body)
}

// SetResponseWithHeader queues a JSON response with headers for a method and request URI.
func (m *MockHTTPDoer) SetResponseWithHeader(method, uri string, statusCode int, header http.Header, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bodyBytes []byte
	switch b := body.(type) {
	case nil:
	case string:
		bodyBytes = []byte(b)
	default:
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			panic(fmt.Sprintf("failed to marshal response body: %v", err))
		}
	}
	if header == nil {
		header = make(http.Header)
	}

	key := method + ":" + uri
	m.responses[key] = append(m.responses[key], mockResponse{status: statusCode, header: header, body: bodyBytes})
}

// SetError configures a transport error for a method and request URI.
func (m *MockHTTPDoer) SetError(method, uri string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method+":"+uri] = err
}

// Calls returns all recorded HTTP calls.
func (m *MockHTTPDoer) Calls() []HTTPCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]HTTPCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns how many times method and uri were requested.
func (m *MockHTTPDoer) CallCount(method, uri string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c.Method == method && c.URI == uri {
			n++
		}
	}
	return n
}
