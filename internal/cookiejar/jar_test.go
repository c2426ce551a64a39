package cookiejar

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestJar_SetAndGet(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://setup.icloud.com/setup/ws/1/validate")

	jar.SetCookies(u, []*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v=2:token", Domain: ".icloud.com", Path: "/", Secure: true},
	})

	cookies := jar.Cookies(mustURL(t, "https://www.icloud.com/"))
	require.Len(t, cookies, 1)
	assert.Equal(t, "X-APPLE-WEBAUTH-TOKEN", cookies[0].Name)
	assert.Equal(t, "v=2:token", cookies[0].Value)
}

func TestJar_HostOnlyCookie(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://setup.icloud.com/setup/ws/1/validate")

	// No Domain attribute: host-only.
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc", Path: "/"}})

	assert.Len(t, jar.Cookies(mustURL(t, "https://setup.icloud.com/anything")), 1)
	assert.Empty(t, jar.Cookies(mustURL(t, "https://www.icloud.com/")))
}

func TestJar_SecureCookieNotSentOverHTTP(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://www.icloud.com/")

	jar.SetCookies(u, []*http.Cookie{{Name: "s", Value: "1", Path: "/", Secure: true}})

	assert.Empty(t, jar.Cookies(mustURL(t, "http://www.icloud.com/")))
	assert.Len(t, jar.Cookies(u), 1)
}

func TestJar_PathMatching(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://www.icloud.com/setup/ws/1/login")

	jar.SetCookies(u, []*http.Cookie{{Name: "scoped", Value: "1", Path: "/setup"}})

	assert.Len(t, jar.Cookies(mustURL(t, "https://www.icloud.com/setup/ws/1/other")), 1)
	assert.Len(t, jar.Cookies(mustURL(t, "https://www.icloud.com/setup")), 1)
	assert.Empty(t, jar.Cookies(mustURL(t, "https://www.icloud.com/setupother")))
	assert.Empty(t, jar.Cookies(mustURL(t, "https://www.icloud.com/")))
}

func TestJar_Expiry(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://www.icloud.com/")

	jar.SetCookies(u, []*http.Cookie{
		{Name: "gone", Value: "1", Path: "/", Expires: time.Now().Add(-time.Hour)},
		{Name: "kept", Value: "1", Path: "/", Expires: time.Now().Add(time.Hour)},
		{Name: "session", Value: "1", Path: "/"},
	})

	cookies := jar.Cookies(u)
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"kept", "session"}, names)
}

func TestJar_MaxAgeDelete(t *testing.T) {
	jar := New()
	u := mustURL(t, "https://www.icloud.com/")

	jar.SetCookies(u, []*http.Cookie{{Name: "s", Value: "1", Path: "/"}})
	require.Equal(t, 1, jar.Len())

	jar.SetCookies(u, []*http.Cookie{{Name: "s", Value: "", Path: "/", MaxAge: -1}})
	assert.Equal(t, 0, jar.Len())
}

func TestJar_Delete(t *testing.T) {
	jar := New()
	jar.SetCookies(mustURL(t, "https://www.icloud.com/"), []*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-FMIP", Value: "1", Path: "/"},
	})
	jar.SetCookies(mustURL(t, "https://setup.icloud.com/"), []*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-FMIP", Value: "2", Path: "/"},
		{Name: "other", Value: "3", Path: "/"},
	})

	jar.Delete("X-APPLE-WEBAUTH-FMIP")

	require.Equal(t, 1, jar.Len())
	assert.Equal(t, "other", jar.All()[0].Name)
}

func TestJar_WriteReadRoundTrip(t *testing.T) {
	jar := New()
	expiry := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	jar.SetCookies(mustURL(t, "https://setup.icloud.com/setup/ws/1/login"), []*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v=2:t", Domain: ".icloud.com", Path: "/", Secure: true, HttpOnly: true, Expires: expiry},
		{Name: "session", Value: "abc", Path: "/setup"},
	})

	var buf bytes.Buffer
	require.NoError(t, jar.Write(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "# Netscape HTTP Cookie File"))

	restored := New()
	require.NoError(t, restored.Read(&buf))

	require.Equal(t, jar.Len(), restored.Len())
	want := jar.All()
	got := restored.All()
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Value, got[i].Value)
		assert.Equal(t, want[i].Domain, got[i].Domain)
		assert.Equal(t, want[i].Path, got[i].Path)
		assert.Equal(t, want[i].Secure, got[i].Secure)
		assert.Equal(t, want[i].HttpOnly, got[i].HttpOnly)
		assert.Equal(t, want[i].Expires.Unix(), got[i].Expires.Unix())
	}
}

func TestJar_ReadSkipsGarbage(t *testing.T) {
	jar := New()
	input := strings.Join([]string{
		"# Netscape HTTP Cookie File",
		"not a cookie line",
		"too\tfew\tfields",
		"icloud.com\tTRUE\t/\tTRUE\t0\tgood\tvalue",
		"",
	}, "\n")

	require.NoError(t, jar.Read(strings.NewReader(input)))
	require.Equal(t, 1, jar.Len())
	assert.Equal(t, "good", jar.All()[0].Name)
}
