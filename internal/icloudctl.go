// Package internal assembles the authentication subsystem: configuration,
// the persistent session transport, the login coordinator, and the consent
// poller, wired together behind one service type.
package internal

import (
	"context"
	"fmt"

	"github.com/dgellow/icloudctl/internal/account"
	"github.com/dgellow/icloudctl/internal/auth"
	"github.com/dgellow/icloudctl/internal/config"
	"github.com/dgellow/icloudctl/internal/consent"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/session"
	"github.com/dgellow/icloudctl/internal/store"
)

// Service is the assembled client for one account.
type Service struct {
	cfg         config.Config
	client      *session.Client
	coordinator *account.Coordinator
	consent     *consent.Poller
}

// NewService builds a fully wired service from configuration. State and
// cookies persisted by earlier runs are picked up from the cookie directory.
func NewService(cfg config.Config) (*Service, error) {
	cfg.ApplyDefaults()
	return NewServiceWithEndpoints(cfg, cfg.Endpoints())
}

// NewServiceWithEndpoints is NewService with an explicit endpoint set,
// letting tests point the whole stack at a local server.
func NewServiceWithEndpoints(cfg config.Config, endpoints config.Endpoints) (*Service, error) {
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", errs[0].Error())
	}

	log.LogInfoWithFields("icloudctl", "Building session", map[string]any{
		"appleId":       cfg.AppleID,
		"chinaMainland": cfg.ChinaMainland,
		"cookieDir":     cfg.CookieDirectory,
	})

	fileStore := store.NewFileStore(cfg.CookieDirectory)
	client := session.NewClient(cfg.AppleID, endpoints, fileStore, cfg.RequestTimeout)
	creds := auth.NewCredentials(cfg.AppleID, string(cfg.Password))
	coordinator := account.NewCoordinator(cfg, client, creds)

	return &Service{
		cfg:         cfg,
		client:      client,
		coordinator: coordinator,
		consent:     consent.NewPoller(client, cfg.ConsentMaxAttempts, cfg.ConsentInterval),
	}, nil
}

// Login authenticates the session, reusing persisted state when possible.
func (s *Service) Login(ctx context.Context) (*account.LoginOutcome, error) {
	return s.coordinator.Login(ctx)
}

// Coordinator exposes the login lifecycle.
func (s *Service) Coordinator() *account.Coordinator { return s.coordinator }

// Client exposes the authenticated transport for downstream service callers.
func (s *Service) Client() *session.Client { return s.client }

// EnsureConsent blocks until web access to the named service is consented.
func (s *Service) EnsureConsent(ctx context.Context, serviceName string) error {
	return s.consent.EnsureConsent(ctx, serviceName)
}

// WebServiceURL resolves a service root from the hydrated account data.
func (s *Service) WebServiceURL(key string) (string, error) {
	return s.coordinator.WebServiceURL(key)
}

// Logout clears the session and its persisted files.
func (s *Service) Logout() {
	s.coordinator.Logout()
}
