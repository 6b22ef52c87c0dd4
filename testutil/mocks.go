package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockHubServer mocks the WebSub hub's subscribe endpoint and records every
// form it receives.
type MockHubServer struct {
	*httptest.Server
	mu       sync.Mutex
	Status   int
	requests []map[string]string
}

// NewMockHubServer starts a hub that answers with m.Status (default 202).
func NewMockHubServer(t *testing.T) *MockHubServer {
	t.Helper()
	m := &MockHubServer{Status: http.StatusAccepted}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		m.mu.Lock()
		m.requests = append(m.requests, form)
		status := m.Status
		m.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(m.Close)
	return m
}

// SetStatus changes the status code returned to subsequent requests.
func (m *MockHubServer) SetStatus(code int) {
	m.mu.Lock()
	m.Status = code
	m.mu.Unlock()
}

// Requests returns a copy of the recorded subscribe/unsubscribe forms.
func (m *MockHubServer) Requests() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockPlatformServer mocks the data API with per-path handlers.
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockPlatformServer creates a new mock API server. Register handlers by
// URL path; unregistered paths return 404.
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}
