package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgellow/icloudctl/internal/cookiejar"
	"github.com/dgellow/icloudctl/internal/log"
)

// FileStore persists session state and cookies under a directory, one pair of
// files per sanitized account identifier: "<id>.session" holds the flat JSON
// key/value snapshot and "<id>" holds the Netscape-format cookie file.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir. The directory is
// created lazily on first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// StatePath returns the session-state file path for an account.
func (s *FileStore) StatePath(account string) string {
	return filepath.Join(s.dir, SanitizeAccount(account)+".session")
}

// CookiePath returns the cookie file path for an account.
func (s *FileStore) CookiePath(account string) string {
	return filepath.Join(s.dir, SanitizeAccount(account))
}

func (s *FileStore) LoadState(account string) map[string]string {
	state := make(map[string]string)

	data, err := os.ReadFile(s.StatePath(account))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.LogWarnWithFields("store", "Failed to read session file", map[string]any{
				"path":  s.StatePath(account),
				"error": err.Error(),
			})
		}
		return state
	}

	if err := json.Unmarshal(data, &state); err != nil {
		log.LogWarnWithFields("store", "Corrupt session file, starting fresh", map[string]any{
			"path":  s.StatePath(account),
			"error": err.Error(),
		})
		return make(map[string]string)
	}
	return state
}

func (s *FileStore) SaveState(account string, state map[string]string) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}
	if err := os.WriteFile(s.StatePath(account), data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadCookies(account string, jar *cookiejar.Jar) {
	f, err := os.Open(s.CookiePath(account))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.LogWarnWithFields("store", "Failed to read cookie file", map[string]any{
				"path":  s.CookiePath(account),
				"error": err.Error(),
			})
		}
		return
	}
	defer f.Close()

	if err := jar.Read(f); err != nil {
		log.LogWarnWithFields("store", "Corrupt cookie file, starting fresh", map[string]any{
			"path":  s.CookiePath(account),
			"error": err.Error(),
		})
		jar.Clear()
		return
	}
	jar.Delete(DeviceTrackingCookie)
}

func (s *FileStore) SaveCookies(account string, jar *cookiejar.Jar) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.CookiePath(account), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening cookie file: %w", err)
	}
	defer f.Close()

	if err := jar.Write(f); err != nil {
		return fmt.Errorf("writing cookie file: %w", err)
	}
	return nil
}

func (s *FileStore) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	return nil
}
