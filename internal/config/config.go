// Package config holds the client configuration and the endpoint set derived
// from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Endpoints is the set of service roots a session talks to.
type Endpoints struct {
	Auth  string
	Home  string
	Setup string
}

// EndpointsFor returns the endpoint set, switching to the China-mainland
// domains when asked. Accounts whose country or region is China mainland are
// served from the .cn domains.
func EndpointsFor(chinaMainland bool) Endpoints {
	suffix := ""
	if chinaMainland {
		suffix = ".cn"
	}
	return Endpoints{
		Auth:  fmt.Sprintf("https://idmsa.apple.com%s/appleauth/auth", suffix),
		Home:  fmt.Sprintf("https://www.icloud.com%s", suffix),
		Setup: fmt.Sprintf("https://setup.icloud.com%s/setup/ws/1", suffix),
	}
}

// Config carries everything needed to build a session for one account.
type Config struct {
	AppleID  string `json:"appleId"`
	Password Secret `json:"password,omitempty"`

	// CookieDirectory holds the per-account session and cookie files.
	// Defaults to <user cache dir>/icloudctl.
	CookieDirectory string `json:"cookieDirectory,omitempty"`

	// ChinaMainland switches to the .cn endpoints. The ICLOUD_CHINA=1
	// environment variable forces it on.
	ChinaMainland bool `json:"chinaMainland,omitempty"`

	// AcceptTerms pre-approves pending terms-of-service updates. Without it
	// a login that hits a terms update fails instead of silently proceeding.
	AcceptTerms bool `json:"acceptTerms,omitempty"`

	RequestTimeout time.Duration `json:"requestTimeout,omitempty"`

	// ConsentMaxAttempts and ConsentInterval bound the PCS consent poll.
	ConsentMaxAttempts int           `json:"consentMaxAttempts,omitempty"`
	ConsentInterval    time.Duration `json:"consentInterval,omitempty"`
}

const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultConsentMaxAttempts = 10
	DefaultConsentInterval    = 5 * time.Second
)

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ApplyDefaults fills unset fields and the environment overrides.
func (c *Config) ApplyDefaults() {
	if os.Getenv("ICLOUD_CHINA") == "1" {
		c.ChinaMainland = true
	}
	if c.CookieDirectory == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CookieDirectory = filepath.Join(base, "icloudctl")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConsentMaxAttempts <= 0 {
		c.ConsentMaxAttempts = DefaultConsentMaxAttempts
	}
	if c.ConsentInterval <= 0 {
		c.ConsentInterval = DefaultConsentInterval
	}
}

// Validate checks the configuration and returns every issue found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	if c.AppleID == "" {
		errs = append(errs, ValidationError{Path: "appleId", Message: "account identifier is required"})
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, ValidationError{Path: "requestTimeout", Message: "must not be negative"})
	}
	if c.ConsentMaxAttempts < 0 {
		errs = append(errs, ValidationError{Path: "consentMaxAttempts", Message: "must not be negative"})
	}
	return errs
}

// Endpoints returns the endpoint set for this configuration.
func (c *Config) Endpoints() Endpoints {
	return EndpointsFor(c.ChinaMainland)
}
