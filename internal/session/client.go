package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/config"
	"github.com/dgellow/icloudctl/internal/cookiejar"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// widgetKey identifies the first-party web client to the auth endpoint.
const widgetKey = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

const maxResponseBytes = 10 << 20

// Response is the outcome of a successful (non-error-classified) exchange.
type Response struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
}

// JSON unmarshals the response body.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// Client is the single authenticated request path for one account's session.
// It owns the cookie jar, merges session fields out of every response's
// headers, persists state+cookies after each exchange, and classifies
// failures before any caller interprets them.
type Client struct {
	account   string
	endpoints config.Endpoints
	state     *State
	jar       *cookiejar.Jar
	store     store.Store
	http      *retryablehttp.Client

	// mu makes header-merge plus persist one atomic unit: a save never
	// observes a partially merged state.
	mu sync.Mutex

	hookMu           sync.RWMutex
	reauth           func(ctx context.Context, url string, status int) error
	twoFactorPending func() bool
}

// NewClient hydrates a session client from persisted state and cookies.
// A stable per-install client id is generated on first use and persisted.
func NewClient(account string, endpoints config.Endpoints, st store.Store, timeout time.Duration) *Client {
	state := NewState(st.LoadState(account))
	jar := cookiejar.New()
	st.LoadCookies(account, jar)

	if state.Get(KeyClientID) == "" {
		state.Set(KeyClientID, "auth-"+uuid.NewString())
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	// Only transport-level failures are retried here; HTTP-level errors go
	// through the classifier exactly once.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return resp == nil && err != nil, nil
	}
	rc.HTTPClient = &http.Client{
		Timeout: timeout,
		Jar:     jar,
	}

	return &Client{
		account:   account,
		endpoints: endpoints,
		state:     state,
		jar:       jar,
		store:     st,
		http:      rc,
	}
}

// Account returns the account identifier this session belongs to.
func (c *Client) Account() string { return c.account }

// State returns the session state. The coordinator is its single writer
// besides the header merge performed by Do.
func (c *Client) State() *State { return c.state }

// Jar returns the session cookie jar.
func (c *Client) Jar() *cookiejar.Jar { return c.jar }

// Endpoints returns the endpoint set the client talks to.
func (c *Client) Endpoints() config.Endpoints { return c.endpoints }

// ClientID returns the per-install client identifier.
func (c *Client) ClientID() string { return c.state.Get(KeyClientID) }

// SetReauthenticate registers the callback invoked once when a webservice
// call is answered with an auth-challenge status. The callback receives the
// failing URL and status so it can pick a service-scoped login when one
// applies.
func (c *Client) SetReauthenticate(fn func(ctx context.Context, url string, status int) error) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.reauth = fn
}

// SetTwoFactorPending registers the probe the classifier consults when it
// sees a missing webauth-token cookie.
func (c *Client) SetTwoFactorPending(fn func() bool) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.twoFactorPending = fn
}

// AuthHeaders builds the header set for calls against the auth endpoint:
// the OAuth-style client identification plus the session-scoped echo headers
// once the server has handed them out.
func (c *Client) AuthHeaders(overrides http.Header) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/javascript")
	h.Set("Content-Type", "application/json")
	h.Set("X-Apple-OAuth-Client-Id", widgetKey)
	h.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	h.Set("X-Apple-OAuth-Redirect-URI", c.endpoints.Home)
	h.Set("X-Apple-OAuth-Require-Grant-Code", "true")
	h.Set("X-Apple-OAuth-Response-Mode", "web_message")
	h.Set("X-Apple-OAuth-Response-Type", "code")
	h.Set("X-Apple-OAuth-State", c.ClientID())
	h.Set("X-Apple-Widget-Key", widgetKey)

	if scnt := c.state.Get(KeySCNT); scnt != "" {
		h.Set("scnt", scnt)
	}
	if sid := c.state.Get(KeySessionID); sid != "" {
		h.Set("X-Apple-ID-Session-Id", sid)
	}

	for key, values := range overrides {
		h.Del(key)
		for _, v := range values {
			h.Add(key, v)
		}
	}
	return h
}

// Get performs a GET through the session.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// Post performs a POST with a JSON body through the session.
func (c *Client) Post(ctx context.Context, url string, body any, headers http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, headers)
}

// Do performs one request through the session. body is JSON-marshaled when
// non-nil. Failures come back as *apierr.Error; callers branch on Kind only.
func (c *Client) Do(ctx context.Context, method, url string, body any, headers http.Header) (*Response, error) {
	return c.do(ctx, method, url, body, headers, false)
}

func (c *Client) do(ctx context.Context, method, url string, body any, headers http.Header, retried bool) (*Response, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Origin", c.endpoints.Home)
	req.Header.Set("Referer", c.endpoints.Home+"/")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	log.LogDebugWithFields("session", "Request", map[string]any{
		"method": method,
		"url":    url,
		"body":   log.Redact(string(raw)),
	})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Classify(apierr.Outcome{Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierr.Classify(apierr.Outcome{Err: err})
	}

	c.persist(resp.Header)

	outcome := apierr.Outcome{
		StatusCode:       resp.StatusCode,
		ContentType:      resp.Header.Get("Content-Type"),
		Body:             data,
		TwoFactorPending: c.isTwoFactorPending(),
	}
	classified := apierr.Classify(outcome)
	if classified == nil {
		return &Response{
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			ContentType: outcome.ContentType,
			Body:        data,
		}, nil
	}

	if classified.Kind == apierr.KindAuthChallenge && !retried && !c.isCoreEndpoint(url) {
		if reauth := c.reauthFunc(); reauth != nil {
			log.LogDebugWithFields("session", "Auth challenge on webservice call, reauthenticating", map[string]any{
				"url":    url,
				"status": resp.StatusCode,
			})
			if rerr := reauth(ctx, url, resp.StatusCode); rerr != nil {
				log.LogDebugWithFields("session", "Reauthentication failed", map[string]any{
					"error": rerr.Error(),
				})
				return nil, classified
			}
			return c.do(ctx, method, url, body, headers, true)
		}
	}

	return nil, classified
}

// persist merges response headers into the state and writes state+cookies
// under one lock. Persistence failures degrade to an in-memory session.
func (c *Client) persist(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.ApplyHeaders(h)
	if err := c.store.SaveState(c.account, c.state.Snapshot()); err != nil {
		log.LogWarnWithFields("session", "Failed to persist session state", map[string]any{
			"error": err.Error(),
		})
	}
	if err := c.store.SaveCookies(c.account, c.jar); err != nil {
		log.LogWarnWithFields("session", "Failed to persist cookies", map[string]any{
			"error": err.Error(),
		})
	}
}

// Persist flushes the current state and cookies, for mutations made outside
// a request (logout, explicit reset).
func (c *Client) Persist() {
	c.persist(http.Header{})
}

// isCoreEndpoint reports whether the URL targets the auth or setup roots,
// which drive login themselves and must not trigger recursive reauth.
func (c *Client) isCoreEndpoint(url string) bool {
	return strings.HasPrefix(url, c.endpoints.Auth) || strings.HasPrefix(url, c.endpoints.Setup)
}

func (c *Client) reauthFunc() func(ctx context.Context, url string, status int) error {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.reauth
}

func (c *Client) isTwoFactorPending() bool {
	c.hookMu.RLock()
	fn := c.twoFactorPending
	c.hookMu.RUnlock()
	return fn != nil && fn()
}
