// Package account coordinates the full login lifecycle: token validation on
// the fast path, the credential handshake and MFA hand-off on the slow path,
// and hydration of the per-account service directory once authenticated.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/auth"
	"github.com/dgellow/icloudctl/internal/config"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/mfa"
	"github.com/dgellow/icloudctl/internal/session"
)

// State tracks where the login lifecycle currently stands.
type State string

const (
	StateStart                    State = "start"
	StateValidatingToken          State = "validating_token"
	StateCredentialAuthenticating State = "credential_authenticating"
	StateMfaChallengePending      State = "mfa_challenge_pending"
	StateAuthenticated            State = "authenticated"
	StateFailed                   State = "failed"
)

// DSInfo is the directory-services block of the account data.
type DSInfo struct {
	DSID       string `json:"dsid"`
	HSAVersion int    `json:"hsaVersion"`
}

// WebService is one entry in the per-account service directory.
type WebService struct {
	URL         string `json:"url"`
	Status      string `json:"status"`
	PCSRequired bool   `json:"pcsRequired"`
}

// App describes launch capabilities for one first-party app.
type App struct {
	CanLaunchWithOneFactor bool `json:"canLaunchWithOneFactor"`
}

// Info is the hydrated account data returned by accountLogin/validate.
type Info struct {
	DSInfo               DSInfo                `json:"dsInfo"`
	HSAChallengeRequired bool                  `json:"hsaChallengeRequired"`
	HSATrustedBrowser    bool                  `json:"hsaTrustedBrowser"`
	TermsUpdateNeeded    bool                  `json:"termsUpdateNeeded"`
	Webservices          map[string]WebService `json:"webservices"`
	Apps                 map[string]App        `json:"apps"`
}

// LoginOutcome reports how a login attempt ended. When State is
// MfaChallengePending the caller drives MFA() to completion and the session
// becomes authenticated through the machine's trust step.
type LoginOutcome struct {
	State     State
	Challenge *mfa.Challenge
	MFA       *mfa.Machine
}

// Coordinator owns one account's login lifecycle. Safe for concurrent use;
// concurrent reauthentication requests collapse into a single flight.
type Coordinator struct {
	cfg    config.Config
	client *session.Client
	auth   *auth.Authenticator
	creds  auth.Credentials

	reauth singleflight.Group

	mu        sync.RWMutex
	state     State
	info      *Info
	challenge *mfa.Challenge
}

// NewCoordinator wires a coordinator to its session client, registering
// itself as the client's reauthentication callback so downstream service
// calls recover from expired-session statuses transparently.
func NewCoordinator(cfg config.Config, client *session.Client, creds auth.Credentials) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		client: client,
		auth:   auth.New(client),
		creds:  creds,
		state:  StateStart,
	}
	client.SetReauthenticate(c.reauthForRequest)
	client.SetTwoFactorPending(c.RequiresTwoStep)
	return c
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Info returns the hydrated account data, or nil before authentication.
func (c *Coordinator) Info() *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Login authenticates the session, reusing a persisted token when one is
// still valid.
func (c *Coordinator) Login(ctx context.Context) (*LoginOutcome, error) {
	return c.login(ctx, false, "")
}

// LoginForService authenticates for a specific service, preferring the
// lighter per-service credential login when the service supports it.
func (c *Coordinator) LoginForService(ctx context.Context, service string) (*LoginOutcome, error) {
	return c.login(ctx, false, service)
}

func (c *Coordinator) login(ctx context.Context, force bool, service string) (*LoginOutcome, error) {
	if token := c.client.State().Get(session.KeySessionToken); token != "" && !force {
		c.setState(StateValidatingToken)
		if err := c.validateToken(ctx); err == nil {
			return c.authenticated()
		}
		log.LogDebugWithFields("account", "persisted token rejected, logging in from scratch", nil)
	}

	if service != "" && c.oneFactorEligible(service) {
		if err := c.serviceLogin(ctx, service); err == nil {
			return c.authenticated()
		}
		log.LogDebugWithFields("account", "service login failed, attempting full login", map[string]any{
			"service": service,
		})
	}

	c.setState(StateCredentialAuthenticating)
	result, err := c.auth.Authenticate(ctx, c.creds)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	if result.MFARequired {
		c.mu.Lock()
		c.state = StateMfaChallengePending
		c.challenge = result.Challenge
		c.mu.Unlock()
		return &LoginOutcome{
			State:     StateMfaChallengePending,
			Challenge: result.Challenge,
			MFA:       c.MFAMachine(),
		}, nil
	}

	if err := c.FinishLogin(ctx); err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	return c.authenticated()
}

func (c *Coordinator) authenticated() (*LoginOutcome, error) {
	if err := c.checkTerms(); err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	c.setState(StateAuthenticated)
	c.client.Persist()
	return &LoginOutcome{State: StateAuthenticated}, nil
}

// MFAMachine builds the verification machine for the pending challenge. The
// machine revalidates the session after trust so the account data reflects
// the trusted state.
func (c *Coordinator) MFAMachine() *mfa.Machine {
	c.mu.RLock()
	challenge := c.challenge
	c.mu.RUnlock()
	return mfa.NewMachine(c.client, challenge, func(ctx context.Context) error {
		if err := c.FinishLogin(ctx); err != nil {
			return err
		}
		c.setState(StateAuthenticated)
		c.client.Persist()
		return nil
	})
}

// FinishLogin exchanges the session token for full account data.
func (c *Coordinator) FinishLogin(ctx context.Context) error {
	body := map[string]any{
		"accountCountryCode": c.client.State().Get(session.KeyAccountCountry),
		"dsWebAuthToken":     c.client.State().Get(session.KeySessionToken),
		"extended_login":     true,
		"trustToken":         c.client.State().Get(session.KeyTrustToken),
	}
	resp, err := c.client.Post(ctx, c.client.Endpoints().Setup+"/accountLogin", body, nil)
	if err != nil {
		return fmt.Errorf("exchanging session token: %w", err)
	}
	return c.hydrate(resp)
}

// validateToken checks the persisted token with a single round trip.
func (c *Coordinator) validateToken(ctx context.Context) error {
	resp, err := c.client.Post(ctx, c.client.Endpoints().Setup+"/validate", json.RawMessage("null"), nil)
	if err != nil {
		return err
	}
	return c.hydrate(resp)
}

// serviceLogin authenticates for one service with raw credentials, skipping
// the handshake. Only valid for apps flagged canLaunchWithOneFactor.
func (c *Coordinator) serviceLogin(ctx context.Context, service string) error {
	body := map[string]any{
		"appName":  service,
		"apple_id": c.creds.AccountName(),
		"password": c.creds.Password(),
	}
	if _, err := c.client.Post(ctx, c.client.Endpoints().Setup+"/accountLogin", body, nil); err != nil {
		return fmt.Errorf("service login: %w", err)
	}
	return c.validateToken(ctx)
}

func (c *Coordinator) oneFactorEligible(service string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return false
	}
	app, ok := c.info.Apps[service]
	return ok && app.CanLaunchWithOneFactor
}

func (c *Coordinator) hydrate(resp *session.Response) error {
	var info Info
	if err := resp.JSON(&info); err != nil {
		return apierr.Protocol("malformed account data: %v", err)
	}
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
	log.LogDebugWithFields("account", "account data hydrated", map[string]any{
		"webservices": len(info.Webservices),
	})
	return nil
}

func (c *Coordinator) checkTerms() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info != nil && c.info.TermsUpdateNeeded && !c.cfg.AcceptTerms {
		return apierr.New(apierr.KindTermsAcceptanceRequired, "",
			"updated terms of service must be accepted before login", false)
	}
	return nil
}

// reauthForRequest is the session client's reauthentication hook. Requests
// against the Find My iPhone service root get the lighter service-scoped
// login, except for status 450 which needs the full handshake.
func (c *Coordinator) reauthForRequest(ctx context.Context, url string, status int) error {
	service := ""
	if fmip, err := c.WebServiceURL("findme"); err == nil &&
		strings.HasPrefix(url, fmip) && status != 450 {
		service = "find"
	}
	return c.reauthenticate(ctx, true, service)
}

// Reauthenticate forces a fresh login. Concurrent callers share one flight.
func (c *Coordinator) Reauthenticate(ctx context.Context, force bool) error {
	return c.reauthenticate(ctx, force, "")
}

func (c *Coordinator) reauthenticate(ctx context.Context, force bool, service string) error {
	_, err, _ := c.reauth.Do("reauth", func() (any, error) {
		outcome, err := c.login(ctx, force, service)
		if err != nil {
			return nil, err
		}
		if outcome.State == StateMfaChallengePending {
			return nil, apierr.New(apierr.KindSecondFactorRequired, "",
				"second factor required during reauthentication", false)
		}
		return nil, nil
	})
	return err
}

// WebServiceURL resolves the root URL of a service from the hydrated
// directory.
func (c *Coordinator) WebServiceURL(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info != nil {
		if ws, ok := c.info.Webservices[key]; ok && ws.URL != "" {
			return ws.URL, nil
		}
	}
	return "", apierr.New(apierr.KindServiceNotActivated, "",
		fmt.Sprintf("webservice %s not available for this account", key), false)
}

// RequiresTwoFactor reports whether an HSA2 challenge is outstanding.
func (c *Coordinator) RequiresTwoFactor() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info != nil && c.info.DSInfo.HSAVersion == 2 &&
		(c.info.HSAChallengeRequired || !c.info.HSATrustedBrowser)
}

// RequiresTwoStep reports whether any second factor (2SA or 2FA) is
// outstanding.
func (c *Coordinator) RequiresTwoStep() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info != nil && c.info.DSInfo.HSAVersion >= 1 &&
		(c.info.HSAChallengeRequired || !c.info.HSATrustedBrowser)
}

// IsTrustedSession reports whether the server marked this session trusted.
func (c *Coordinator) IsTrustedSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info != nil && c.info.HSATrustedBrowser
}

// Logout discards the authenticated session: state, cookies, and account
// data. The cleared snapshot is persisted so a restart stays logged out.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	c.info = nil
	c.challenge = nil
	c.state = StateStart
	c.mu.Unlock()

	c.client.State().Reset()
	c.client.Jar().Clear()
	c.client.Persist()
	log.LogInfoWithFields("account", "session cleared", map[string]any{
		"account": c.client.Account(),
	})
}
