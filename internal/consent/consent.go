// Package consent implements the bounded polling loop that waits for
// per-service web-access consent (PCS) to become active. The grant is
// asynchronous and server-paced, so the loop retries at a fixed interval with
// a hard attempt cap.
package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/session"
)

// cookiesPendingMessage is the intermediate state the server reports while
// the consent cookies have not propagated yet. It means retry, not failure.
const cookiesPendingMessage = "Cookies not available yet on server."

// Poller polls for a consent grant. Sleep is injectable so tests run without
// real delays; a nil Sleep blocks on the context clock.
type Poller struct {
	Client      *session.Client
	MaxAttempts int
	Interval    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// NewPoller builds a poller with the configured bounds.
func NewPoller(client *session.Client, maxAttempts int, interval time.Duration) *Poller {
	return &Poller{Client: client, MaxAttempts: maxAttempts, Interval: interval}
}

type webAccessState struct {
	IsICDRSDisabled         bool `json:"isICDRSDisabled"`
	IsDeviceConsentedForPCS bool `json:"isDeviceConsentedForPCS"`
	IsWebAccessAllowed      bool `json:"isWebAccessAllowed"`
}

type pcsResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EnsureConsent blocks until web access to the named service is consented, or
// fails with a ConsentTimeout after MaxAttempts polls. Accounts without the
// gating feature return immediately.
func (p *Poller) EnsureConsent(ctx context.Context, serviceName string) error {
	state, err := p.webAccessState(ctx)
	if err != nil {
		return err
	}
	if state.IsICDRSDisabled {
		log.LogDebugWithFields("consent", "consent gating disabled for account", nil)
		return nil
	}

	if !state.IsDeviceConsentedForPCS {
		if err := p.enableDeviceConsent(ctx); err != nil {
			return err
		}
		for attempt := 1; !state.IsDeviceConsentedForPCS; attempt++ {
			if attempt > p.MaxAttempts {
				return apierr.New(apierr.KindConsentTimeout, "",
					fmt.Sprintf("device consent for %s not granted after %d attempts", serviceName, p.MaxAttempts), false)
			}
			if err := p.sleep(ctx); err != nil {
				return err
			}
			if state, err = p.webAccessState(ctx); err != nil {
				return err
			}
		}
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		granted, err := p.requestPCS(ctx, serviceName, attempt == 1)
		if err != nil {
			return err
		}
		if granted {
			log.LogInfoWithFields("consent", "service consent granted", map[string]any{
				"service":  serviceName,
				"attempts": attempt,
			})
			return nil
		}
		if attempt < p.MaxAttempts {
			if err := p.sleep(ctx); err != nil {
				return err
			}
		}
	}
	return apierr.New(apierr.KindConsentTimeout, "",
		fmt.Sprintf("consent for %s not granted after %d attempts", serviceName, p.MaxAttempts), false)
}

func (p *Poller) webAccessState(ctx context.Context) (webAccessState, error) {
	var state webAccessState
	resp, err := p.Client.Get(ctx, p.Client.Endpoints().Setup+"/requestWebAccessState", nil)
	if err != nil {
		return state, fmt.Errorf("querying web access state: %w", err)
	}
	if err := resp.JSON(&state); err != nil {
		return state, apierr.Protocol("malformed web access state: %v", err)
	}
	return state, nil
}

func (p *Poller) enableDeviceConsent(ctx context.Context) error {
	if _, err := p.Client.Post(ctx, p.Client.Endpoints().Setup+"/enableDeviceConsentForPCS", nil, nil); err != nil {
		return fmt.Errorf("requesting device consent: %w", err)
	}
	return nil
}

// requestPCS asks for per-service consent. The pending-cookies message means
// not-yet (poll again); any other non-success message is fatal.
func (p *Poller) requestPCS(ctx context.Context, serviceName string, firstAttempt bool) (bool, error) {
	body := map[string]any{
		"appName":               serviceName,
		"derivedFromUserAction": firstAttempt,
	}
	resp, err := p.Client.Post(ctx, p.Client.Endpoints().Setup+"/requestPCS", body, nil)
	if err != nil {
		return false, fmt.Errorf("requesting service consent: %w", err)
	}
	var parsed pcsResponse
	if err := resp.JSON(&parsed); err != nil {
		return false, apierr.Protocol("malformed consent response: %v", err)
	}
	switch {
	case parsed.Status == "success":
		return true, nil
	case parsed.Message == cookiesPendingMessage:
		return false, nil
	default:
		return false, apierr.Protocol("unexpected consent response %q", parsed.Message)
	}
}

func (p *Poller) sleep(ctx context.Context) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, p.Interval)
	}
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
