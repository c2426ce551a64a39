// Package cookiejar implements an http.CookieJar that can be serialized to
// and from the Netscape cookie-file text format, so a session's cookies
// survive process restarts.
package cookiejar

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const fileHeader = "# Netscape HTTP Cookie File"

// httpOnlyPrefix marks http-only cookies in the domain column, following the
// curl convention.
const httpOnlyPrefix = "#HttpOnly_"

type entry struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HttpOnly bool
	HostOnly bool
	// Expires is zero for session cookies; they are persisted anyway so a
	// restarted process keeps its authenticated session.
	Expires time.Time
}

func (e *entry) key() string {
	return e.Domain + ";" + e.Path + ";" + e.Name
}

func (e *entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && e.Expires.Before(now)
}

// Jar is a persistent cookie jar. The zero value is not usable; use New.
type Jar struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty jar.
func New() *Jar {
	return &Jar{entries: make(map[string]*entry), now: time.Now}
}

// SetCookies stores the cookies from a response for the given request URL.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	host := strings.ToLower(u.Hostname())
	defaultPath := pathDirectory(u.Path)
	now := j.now()

	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		e := &entry{
			Name:     c.Name,
			Value:    c.Value,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}

		if c.Domain != "" {
			domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			if !domainMatch(host, domain, false) {
				continue
			}
			e.Domain = domain
		} else {
			e.Domain = host
			e.HostOnly = true
		}

		if c.Path != "" && strings.HasPrefix(c.Path, "/") {
			e.Path = c.Path
		} else {
			e.Path = defaultPath
		}

		switch {
		case c.MaxAge < 0:
			delete(j.entries, e.key())
			continue
		case c.MaxAge > 0:
			e.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			e.Expires = c.Expires
		}

		if e.expired(now) {
			delete(j.entries, e.key())
			continue
		}
		j.entries[e.key()] = e
	}
}

// Cookies returns the cookies to send with a request to the given URL.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	host := strings.ToLower(u.Hostname())
	secure := u.Scheme == "https"
	now := j.now()

	var matched []*entry
	for key, e := range j.entries {
		if e.expired(now) {
			delete(j.entries, key)
			continue
		}
		if e.Secure && !secure {
			continue
		}
		if !domainMatch(host, e.Domain, e.HostOnly) {
			continue
		}
		if !pathMatch(u.Path, e.Path) {
			continue
		}
		matched = append(matched, e)
	}

	// Longest path first, then by name for a stable order.
	sort.Slice(matched, func(a, b int) bool {
		if len(matched[a].Path) != len(matched[b].Path) {
			return len(matched[a].Path) > len(matched[b].Path)
		}
		return matched[a].Name < matched[b].Name
	})

	cookies := make([]*http.Cookie, 0, len(matched))
	for _, e := range matched {
		cookies = append(cookies, &http.Cookie{Name: e.Name, Value: e.Value})
	}
	return cookies
}

// Delete removes every cookie with the given name, irrespective of its
// domain and path.
func (j *Jar) Delete(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for key, e := range j.entries {
		if e.Name == name {
			delete(j.entries, key)
		}
	}
}

// Clear removes all cookies.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string]*entry)
}

// Len returns the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// All returns a snapshot of every stored cookie, for tests and diagnostics.
func (j *Jar) All() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	cookies := make([]*http.Cookie, 0, len(j.entries))
	for _, e := range j.entries {
		cookies = append(cookies, &http.Cookie{
			Name:     e.Name,
			Value:    e.Value,
			Domain:   e.Domain,
			Path:     e.Path,
			Secure:   e.Secure,
			HttpOnly: e.HttpOnly,
			Expires:  e.Expires,
		})
	}
	sort.Slice(cookies, func(a, b int) bool { return cookies[a].Name < cookies[b].Name })
	return cookies
}

// Write serializes the jar in Netscape cookie-file format.
func (j *Jar) Write(w io.Writer) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(j.entries))
	for key := range j.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if _, err := fmt.Fprintln(w, fileHeader); err != nil {
		return err
	}
	for _, key := range keys {
		e := j.entries[key]
		domain := e.Domain
		includeSub := "TRUE"
		if e.HostOnly {
			includeSub = "FALSE"
		}
		if e.HttpOnly {
			domain = httpOnlyPrefix + domain
		}
		var expires int64
		if !e.Expires.IsZero() {
			expires = e.Expires.Unix()
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, includeSub, e.Path, boolUpper(e.Secure), expires, e.Name, e.Value)
		if err != nil {
			return err
		}
	}
	return nil
}

// Read replaces the jar contents with cookies parsed from Netscape format.
// Unparseable lines are skipped.
func (j *Jar) Read(r io.Reader) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = make(map[string]*entry)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		expires, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		e := &entry{
			Name:     fields[5],
			Value:    fields[6],
			Domain:   strings.ToLower(fields[0]),
			Path:     fields[2],
			Secure:   fields[3] == "TRUE",
			HttpOnly: httpOnly,
			HostOnly: fields[1] == "FALSE",
		}
		if expires > 0 {
			e.Expires = time.Unix(expires, 0)
		}
		if e.expired(j.now()) {
			continue
		}
		j.entries[e.key()] = e
	}
	return scanner.Err()
}

func boolUpper(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func domainMatch(host, domain string, hostOnly bool) bool {
	if host == domain {
		return true
	}
	if hostOnly {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == "" {
		requestPath = "/"
	}
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

// pathDirectory returns the default cookie path for a request path per
// RFC 6265 section 5.1.4.
func pathDirectory(requestPath string) string {
	if requestPath == "" || !strings.HasPrefix(requestPath, "/") {
		return "/"
	}
	idx := strings.LastIndex(requestPath, "/")
	if idx == 0 {
		return "/"
	}
	return requestPath[:idx]
}
