package store

import (
	"bytes"
	"sync"

	"github.com/dgellow/icloudctl/internal/cookiejar"
)

// MemoryStore keeps session state and cookies in memory. Used by tests and
// for sessions that should leave no trace on disk.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]map[string]string
	cookies map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]map[string]string),
		cookies: make(map[string][]byte),
	}
}

func (s *MemoryStore) LoadState(account string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := make(map[string]string)
	for k, v := range s.states[SanitizeAccount(account)] {
		state[k] = v
	}
	return state
}

func (s *MemoryStore) SaveState(account string, state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]string, len(state))
	for k, v := range state {
		snapshot[k] = v
	}
	s.states[SanitizeAccount(account)] = snapshot
	return nil
}

func (s *MemoryStore) LoadCookies(account string, jar *cookiejar.Jar) {
	s.mu.Lock()
	data := s.cookies[SanitizeAccount(account)]
	s.mu.Unlock()

	if len(data) == 0 {
		return
	}
	if err := jar.Read(bytes.NewReader(data)); err != nil {
		jar.Clear()
		return
	}
	jar.Delete(DeviceTrackingCookie)
}

func (s *MemoryStore) SaveCookies(account string, jar *cookiejar.Jar) error {
	var buf bytes.Buffer
	if err := jar.Write(&buf); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[SanitizeAccount(account)] = buf.Bytes()
	return nil
}
