package store

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgellow/icloudctl/internal/cookiejar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAccount(t *testing.T) {
	assert.Equal(t, "userexamplecom", SanitizeAccount("user@example.com"))
	assert.Equal(t, "user_123", SanitizeAccount("user_123"))
	assert.Equal(t, "", SanitizeAccount("@.+/"))
}

func TestFileStore_StateRoundTrip(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "nested", "dir"))

	state := map[string]string{
		"session_token": "tok",
		"client_id":     "auth-abc",
		"scnt":          "s1",
	}
	require.NoError(t, fs.SaveState("user@example.com", state))

	loaded := fs.LoadState("user@example.com")
	assert.Equal(t, state, loaded)
}

func TestFileStore_LoadMissingState(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	loaded := fs.LoadState("nobody@example.com")
	assert.NotNil(t, loaded)
	assert.Empty(t, loaded)
}

func TestFileStore_LoadCorruptState(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	require.NoError(t, os.WriteFile(fs.StatePath("user@example.com"), []byte("{not json"), 0o600))

	loaded := fs.LoadState("user@example.com")
	assert.NotNil(t, loaded)
	assert.Empty(t, loaded)
}

func TestFileStore_AccountsDoNotCollide(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	require.NoError(t, fs.SaveState("alice@example.com", map[string]string{"session_token": "a"}))
	require.NoError(t, fs.SaveState("bob@example.com", map[string]string{"session_token": "b"}))

	assert.Equal(t, "a", fs.LoadState("alice@example.com")["session_token"])
	assert.Equal(t, "b", fs.LoadState("bob@example.com")["session_token"])
}

func TestFileStore_CookieRoundTripDropsDeviceTrackingCookie(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	u, err := url.Parse("https://www.icloud.com/")
	require.NoError(t, err)

	jar := cookiejar.New()
	jar.SetCookies(u, []*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v=2:t", Domain: ".icloud.com", Path: "/", Secure: true},
		{Name: DeviceTrackingCookie, Value: "stale", Domain: ".icloud.com", Path: "/"},
	})
	require.NoError(t, fs.SaveCookies("user@example.com", jar))

	restored := cookiejar.New()
	fs.LoadCookies("user@example.com", restored)

	require.Equal(t, 1, restored.Len())
	assert.Equal(t, "X-APPLE-WEBAUTH-TOKEN", restored.All()[0].Name)
}

func TestFileStore_LoadCookiesMissingFile(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	jar := cookiejar.New()
	fs.LoadCookies("nobody@example.com", jar)
	assert.Equal(t, 0, jar.Len())
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ms := NewMemoryStore()

	require.NoError(t, ms.SaveState("user@example.com", map[string]string{"session_token": "tok"}))
	assert.Equal(t, "tok", ms.LoadState("user@example.com")["session_token"])

	// Mutating the loaded snapshot must not leak back into the store.
	loaded := ms.LoadState("user@example.com")
	loaded["session_token"] = "mutated"
	assert.Equal(t, "tok", ms.LoadState("user@example.com")["session_token"])
}

func TestMemoryStore_CookiesDropDeviceTracking(t *testing.T) {
	ms := NewMemoryStore()

	u, err := url.Parse("https://www.icloud.com/")
	require.NoError(t, err)

	jar := cookiejar.New()
	jar.SetCookies(u, []*http.Cookie{
		{Name: DeviceTrackingCookie, Value: "stale", Path: "/"},
		{Name: "kept", Value: "1", Path: "/"},
	})
	require.NoError(t, ms.SaveCookies("user@example.com", jar))

	restored := cookiejar.New()
	ms.LoadCookies("user@example.com", restored)
	require.Equal(t, 1, restored.Len())
	assert.Equal(t, "kept", restored.All()[0].Name)
}
