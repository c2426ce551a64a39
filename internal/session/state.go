// Package session holds the per-account session state and the authenticated
// HTTP client that every other component routes its requests through.
package session

import (
	"net/http"
	"sync"
)

// Well-known state keys.
const (
	KeyClientID       = "client_id"
	KeySessionToken   = "session_token"
	KeySessionID      = "session_id"
	KeyTrustToken     = "trust_token"
	KeyAccountCountry = "account_country"
	KeySCNT           = "scnt"
)

// headerKeys maps response headers to the state keys they populate.
var headerKeys = map[string]string{
	"X-Apple-ID-Account-Country": KeyAccountCountry,
	"X-Apple-ID-Session-Id":      KeySessionID,
	"X-Apple-Session-Token":      KeySessionToken,
	"X-Apple-TwoSV-Trust-Token":  KeyTrustToken,
	"scnt":                       KeySCNT,
}

// State is the mutable key/value session state for one account. All mutation
// goes through ApplyHeaders, Set, and Reset; merges are additive, only Reset
// is destructive.
type State struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewState creates a state hydrated from a persisted snapshot. A nil snapshot
// yields an empty state.
func NewState(snapshot map[string]string) *State {
	values := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		values[k] = v
	}
	return &State{values: values}
}

// Get returns the value for key, or "".
func (s *State) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set stores a single value.
func (s *State) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// ApplyHeaders merges session fields out of response headers. Only headers
// actually present overwrite; absent ones never erase existing values.
func (s *State) ApplyHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for header, key := range headerKeys {
		if v := h.Get(header); v != "" {
			s.values[key] = v
		}
	}
}

// Snapshot returns a copy of the state for persistence.
func (s *State) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	return snapshot
}

// Reset clears everything. Used on logout and explicit re-login.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
}
