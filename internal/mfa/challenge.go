// Package mfa drives the second-factor verification flow: trusted-device
// codes (2SA), push/SMS codes (2FA), and FIDO security keys, followed by the
// session trust request that makes future logins skip the challenge.
package mfa

import "encoding/json"

// ChallengeKind identifies which verification path the server selected.
type ChallengeKind string

const (
	// KindTrustedDevice is the legacy two-step flow: the caller picks a
	// device, requests a code, and submits it.
	KindTrustedDevice ChallengeKind = "trusted_device"
	// KindPush means a code was displayed on the user's trusted devices.
	KindPush ChallengeKind = "push"
	// KindSMS means a code was texted to a trusted phone number.
	KindSMS ChallengeKind = "sms"
	// KindSecurityKey means the account requires a FIDO assertion.
	KindSecurityKey ChallengeKind = "security_key"
)

// SecurityKeyChallenge carries the FIDO challenge parameters from the server.
type SecurityKeyChallenge struct {
	Challenge  string   `json:"challenge"`
	KeyHandles []string `json:"keyHandles"`
	RPID       string   `json:"rpId"`
}

// PhoneNumber is a masked trusted phone number from the challenge metadata.
type PhoneNumber struct {
	ID                 int    `json:"id"`
	NumberWithDialCode string `json:"numberWithDialCode"`
	PushMode           string `json:"pushMode"`
}

// Challenge describes the pending second factor after a password proof was
// accepted but before the session is fully authenticated.
type Challenge struct {
	Kind        ChallengeKind
	Phone       *PhoneNumber
	SecurityKey *SecurityKeyChallenge
}

type challengeBody struct {
	TrustedPhoneNumbers []PhoneNumber         `json:"trustedPhoneNumbers"`
	TrustedPhoneNumber  *PhoneNumber          `json:"trustedPhoneNumber"`
	FSAChallenge        *SecurityKeyChallenge `json:"fsaChallenge"`
}

// ParseChallenge reads the challenge metadata out of a 409 response body.
// A body that carries no metadata still yields a usable push challenge, since
// trusted devices receive the code regardless.
func ParseChallenge(body []byte) *Challenge {
	var parsed challengeBody
	_ = json.Unmarshal(body, &parsed)

	if parsed.FSAChallenge != nil {
		return &Challenge{Kind: KindSecurityKey, SecurityKey: parsed.FSAChallenge}
	}

	phone := parsed.TrustedPhoneNumber
	if phone == nil && len(parsed.TrustedPhoneNumbers) > 0 {
		phone = &parsed.TrustedPhoneNumbers[0]
	}
	if phone != nil && phone.PushMode == "sms" {
		return &Challenge{Kind: KindSMS, Phone: phone}
	}
	return &Challenge{Kind: KindPush, Phone: phone}
}
