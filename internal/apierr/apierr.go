// Package apierr defines the typed error taxonomy for the iCloud API and the
// classifier that maps raw transport outcomes into it. Classification happens
// once, at the layer that saw the raw response; everything above branches on
// Kind only.
package apierr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates classified errors.
type Kind string

const (
	// KindNetwork is a transport-level failure (timeout, connection reset).
	KindNetwork Kind = "network"
	// KindAuthChallenge marks the well-known auth statuses (421/450/500)
	// that demand a fresh authentication rather than surfacing as a failure.
	KindAuthChallenge Kind = "auth_challenge"
	// KindInvalidCredentials means the password proof was rejected.
	KindInvalidCredentials Kind = "invalid_credentials"
	// KindSecondFactorRequired is the expected MFA branch, not a failure.
	KindSecondFactorRequired Kind = "second_factor_required"
	// KindReauthRequired triggers a single forced reauthentication upstream.
	KindReauthRequired Kind = "reauth_required"
	// KindServiceNotActivated means the user must finish account setup at icloud.com.
	KindServiceNotActivated Kind = "service_not_activated"
	// KindRateLimited is retryable after a mandatory delay.
	KindRateLimited Kind = "rate_limited"
	// KindTermsAcceptanceRequired means pending terms block the login.
	KindTermsAcceptanceRequired Kind = "terms_acceptance_required"
	// KindConsentTimeout means the PCS consent poll exhausted its attempts.
	KindConsentTimeout Kind = "consent_timeout"
	// KindProtocolError indicates the server broke the expected wire contract.
	KindProtocolError Kind = "protocol_error"
	// KindResourceUnavailable means a required local resource (e.g. a
	// security key) is not attached.
	KindResourceUnavailable Kind = "resource_unavailable"
	// KindUnknown is the non-retryable fallback.
	KindUnknown Kind = "unknown"
)

// Error is a classified API error. Code carries the server error code when one
// was present (string codes like ACCESS_DENIED, or numeric codes rendered in
// decimal).
type Error struct {
	Kind      Kind
	Code      string
	Reason    string
	Retryable bool

	// Body is the raw response body, kept so expected-branch consumers
	// (the MFA machine needs the challenge metadata from a 409) never
	// re-fetch or re-parse upstream. Not part of the rendered message.
	Body []byte
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

// Is lets errors.Is match on kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New builds a classified error.
func New(kind Kind, code, reason string, retryable bool) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason, Retryable: retryable}
}

// Protocol builds a fatal protocol-contract error.
func Protocol(format string, args ...any) *Error {
	return &Error{Kind: KindProtocolError, Reason: fmt.Sprintf(format, args...)}
}

const (
	codeZoneNotFound         = "ZONE_NOT_FOUND"
	codeAuthenticationFailed = "AUTHENTICATION_FAILED"
	codeAccessDenied         = "ACCESS_DENIED"

	missingWebauthTokenReason = "Missing X-APPLE-WEBAUTH-TOKEN cookie"

	serviceNotActivatedReason = "Please log into https://icloud.com/ to manually " +
		"finish setting up your iCloud service"
	rateLimitGuidance = ". Please wait a few minutes then try again. " +
		"The remote servers might be trying to throttle requests."
	authRequiredReason = "Authentication required for Account."
)

// Outcome is the raw result of one HTTP exchange, as seen by the transport.
type Outcome struct {
	// Err is a transport-level failure; when set the other fields are ignored.
	Err error

	StatusCode  int
	ContentType string
	Body        []byte

	// TwoFactorPending reports whether the caller's session still has an
	// unresolved two-step challenge. It changes how a missing webauth-token
	// cookie is classified.
	TwoFactorPending bool
}

// errorBody is the structured error shape the API uses, with several
// historical spellings for the same fields.
type errorBody struct {
	ErrorMessage    string          `json:"errorMessage"`
	Reason          string          `json:"reason"`
	ErrorReason     string          `json:"errorReason"`
	Error           json.RawMessage `json:"error"`
	ErrorCode       json.RawMessage `json:"errorCode"`
	ServerErrorCode json.RawMessage `json:"serverErrorCode"`
	AuthType        string          `json:"authType"`
}

// IsJSON reports whether the content type is one of the API's JSON mimetypes.
func (o Outcome) IsJSON() bool {
	mime := strings.TrimSpace(strings.Split(o.ContentType, ";")[0])
	return mime == "application/json" || mime == "text/json"
}

func isAuthStatus(status int) bool {
	return status == 421 || status == 450 || status == 500
}

// Classify maps a transport outcome onto the error taxonomy. It returns nil
// when the outcome carries no error signal at all.
func Classify(o Outcome) *Error {
	err := classify(o)
	if err != nil && err.Kind != KindNetwork {
		err.Body = o.Body
	}
	return err
}

func classify(o Outcome) *Error {
	if o.Err != nil {
		return &Error{Kind: KindNetwork, Reason: o.Err.Error(), Retryable: true}
	}

	var body errorBody
	haveBody := false
	if o.IsJSON() && len(o.Body) > 0 {
		haveBody = json.Unmarshal(o.Body, &body) == nil
	}

	if o.StatusCode == 409 && haveBody && body.AuthType == "hsa2" {
		return &Error{
			Kind:   KindSecondFactorRequired,
			Reason: "second factor authentication required",
		}
	}

	if isAuthStatus(o.StatusCode) {
		return &Error{
			Kind:      KindAuthChallenge,
			Code:      fmt.Sprintf("%d", o.StatusCode),
			Reason:    authRequiredReason,
			Retryable: true,
		}
	}

	reason, code := extractReasonCode(body, haveBody)
	if reason == "" && o.StatusCode < 400 {
		return nil
	}
	return classifyReason(o, reason, code)
}

func extractReasonCode(body errorBody, haveBody bool) (string, string) {
	if !haveBody {
		return "", ""
	}
	reason := body.ErrorMessage
	if reason == "" {
		reason = body.Reason
	}
	if reason == "" {
		reason = body.ErrorReason
	}
	if reason == "" && len(body.Error) > 0 {
		var s string
		if json.Unmarshal(body.Error, &s) == nil {
			reason = s
		} else if string(body.Error) != "null" && string(body.Error) != "0" {
			reason = "Unknown reason"
		}
	}

	code := rawCode(body.ErrorCode)
	if code == "" {
		code = rawCode(body.ServerErrorCode)
	}
	return reason, code
}

// rawCode renders a string-or-number JSON code field as a plain string.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func classifyReason(o Outcome, reason, code string) *Error {
	if o.TwoFactorPending && reason == missingWebauthTokenReason {
		return &Error{Kind: KindSecondFactorRequired, Code: code, Reason: reason}
	}

	switch code {
	case codeZoneNotFound, codeAuthenticationFailed:
		return &Error{
			Kind:   KindServiceNotActivated,
			Code:   code,
			Reason: serviceNotActivatedReason,
		}
	case codeAccessDenied:
		return &Error{
			Kind:      KindRateLimited,
			Code:      code,
			Reason:    reason + rateLimitGuidance,
			Retryable: true,
		}
	}

	if reason == "" {
		reason = fmt.Sprintf("unexpected status %d", o.StatusCode)
	}
	return &Error{Kind: KindUnknown, Code: code, Reason: reason}
}
