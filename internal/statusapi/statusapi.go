// Package statusapi exposes a small net/http introspection surface over
// the coapstack daemon's configured sessions: their link driver, last
// exchange outcome, and last CoAP response code. The handlers stay a
// thin adapter over the Registry; logging and panic recovery live in
// http.Handler middleware (middleware.go).
package statusapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgenet6/coapstack/internal/netstack"
)

// SessionStatus is the introspection snapshot for one configured session.
type SessionStatus struct {
	Name          string    `json:"name"`
	LinkDriver    string    `json:"link_driver"`
	Connected     bool      `json:"connected"`
	LastExchange  string    `json:"last_exchange,omitempty"`
	LastResponse  uint8     `json:"last_response_code,omitempty"`
	LastStatus    string    `json:"last_status,omitempty"`
	LastErrorText string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registry tracks the most recent SessionStatus for every configured
// session, updated by session.RunExchange at each exchange outcome and
// read by the HTTP handlers below. Safe for concurrent use; coapstackd's
// session loops and the HTTP handlers run on different goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]SessionStatus
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]SessionStatus)}
}

// Update replaces the stored status for a session.
func (r *Registry) Update(s SessionStatus) {
	s.UpdatedAt = s.UpdatedAt.UTC()
	r.mu.Lock()
	r.sessions[s.Name] = s
	r.mu.Unlock()
}

// Get returns the stored status for a session, if any.
func (r *Registry) Get(name string) (SessionStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// All returns a snapshot of every tracked session's status.
func (r *Registry) All() []SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// RecordExchangeStatus maps a netstack.Status observed on Send/Recv to the
// SessionStatus fields a status-API client would want to see.
func RecordExchangeStatus(reg *Registry, name, linkDriver string, status netstack.Status, responseCode uint8) {
	s, _ := reg.Get(name)
	s.Name = name
	s.LinkDriver = linkDriver
	s.LastStatus = status.String()
	s.Connected = true
	if err := status.Err(); err != nil {
		s.LastErrorText = err.Error()
	} else {
		s.LastErrorText = ""
	}
	switch status {
	case netstack.StatusCoAPAck:
		s.LastExchange = "ack"
		s.LastResponse = responseCode
	case netstack.StatusCoAPReset:
		s.LastExchange = "rst"
	case netstack.StatusOK:
		s.LastExchange = "separate"
		s.LastResponse = responseCode
	}
	s.UpdatedAt = time.Now()
	reg.Update(s)
}

// Handler builds the status-API mux: GET /status lists every tracked
// session, GET /status/{name} returns one. Prometheus's /metrics endpoint
// is served separately by coapstackd via promhttp, not by this handler.
func Handler(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reg.All())
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/status/")
		s, ok := reg.Get(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, s)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
