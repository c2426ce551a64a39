package mfa

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/session"
)

// wrongCodeServerCode is the server code returned for an incorrect
// verification code. It is an expected outcome, not a failure.
const wrongCodeServerCode = "-21669"

// State tracks where the verification flow currently stands.
type State string

const (
	StateNoChallenge           State = "no_challenge"
	StateAwaitingDevice        State = "awaiting_trusted_device_selection"
	StateAwaitingSmsCode       State = "awaiting_sms_code"
	StateAwaitingPushCode      State = "awaiting_push_code"
	StateAwaitingSecurityKey   State = "awaiting_security_key"
	StateSessionTrustRequested State = "session_trust_requested"
	StateTrusted               State = "trusted"
	StateFailed                State = "failed"
)

// TrustedDevice is one entry from the trusted-device list used by the
// legacy two-step flow.
type TrustedDevice struct {
	DeviceType  string `json:"deviceType,omitempty"`
	DeviceID    string `json:"deviceId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	AreaCode    string `json:"areaCode,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// DisplayName renders a device the way a picker would show it.
func (d TrustedDevice) DisplayName() string {
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return fmt.Sprintf("SMS to %s", d.PhoneNumber)
}

// SecurityKeyAssertion is the signed FIDO assertion produced by a prover.
type SecurityKeyAssertion struct {
	ClientData        string `json:"clientData"`
	AuthenticatorData string `json:"authenticatorData"`
	SignatureData     string `json:"signatureData"`
	CredentialID      string `json:"credentialID"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// SecurityKeyProver signs a FIDO challenge with a hardware key. Provers
// return ErrNoSecurityKey when no compatible key is attached.
type SecurityKeyProver interface {
	Assert(ctx context.Context, challenge *SecurityKeyChallenge) (*SecurityKeyAssertion, error)
}

// ErrNoSecurityKey is returned by provers when no usable key is present.
var ErrNoSecurityKey = errors.New("no compatible security key attached")

// Machine walks a session through second-factor verification. It is not safe
// for concurrent use; one login flow owns one machine.
type Machine struct {
	client     *session.Client
	challenge  *Challenge
	state      State
	revalidate func(ctx context.Context) error
}

// NewMachine builds a machine for the given challenge. revalidate is called
// after a successful trust request to refresh the session with the new trust
// token; it may be nil.
func NewMachine(client *session.Client, challenge *Challenge, revalidate func(ctx context.Context) error) *Machine {
	m := &Machine{client: client, challenge: challenge, revalidate: revalidate}
	switch {
	case challenge == nil:
		m.state = StateNoChallenge
	case challenge.Kind == KindSecurityKey:
		m.state = StateAwaitingSecurityKey
	case challenge.Kind == KindSMS:
		m.state = StateAwaitingSmsCode
	case challenge.Kind == KindTrustedDevice:
		m.state = StateAwaitingDevice
	default:
		m.state = StateAwaitingPushCode
	}
	return m
}

// State reports the current flow state.
func (m *Machine) State() State { return m.state }

// Challenge returns the challenge the machine was built from.
func (m *Machine) Challenge() *Challenge { return m.challenge }

type deviceList struct {
	Devices []TrustedDevice `json:"devices"`
}

// ListTrustedDevices fetches the devices eligible for the two-step flow.
func (m *Machine) ListTrustedDevices(ctx context.Context) ([]TrustedDevice, error) {
	resp, err := m.client.Get(ctx, m.client.Endpoints().Setup+"/listDevices", nil)
	if err != nil {
		return nil, fmt.Errorf("listing trusted devices: %w", err)
	}
	var list deviceList
	if err := resp.JSON(&list); err != nil {
		return nil, apierr.Protocol("malformed trusted device list: %v", err)
	}
	m.state = StateAwaitingDevice
	return list.Devices, nil
}

// SendCode asks the server to deliver a verification code to a device.
func (m *Machine) SendCode(ctx context.Context, device TrustedDevice) error {
	_, err := m.client.Post(ctx, m.client.Endpoints().Setup+"/sendVerificationCode", device, nil)
	if err != nil {
		return fmt.Errorf("requesting verification code: %w", err)
	}
	m.state = StateAwaitingSmsCode
	return nil
}

// SubmitCode validates a two-step verification code for a device. A wrong
// code returns (false, nil); the caller may retry with a fresh code.
func (m *Machine) SubmitCode(ctx context.Context, device TrustedDevice, code string) (bool, error) {
	body := map[string]any{
		"deviceType":       device.DeviceType,
		"deviceId":         device.DeviceID,
		"phoneNumber":      device.PhoneNumber,
		"verificationCode": code,
		"trustBrowser":     true,
	}
	_, err := m.client.Post(ctx, m.client.Endpoints().Setup+"/validateVerificationCode", body, nil)
	if err != nil {
		if isWrongCode(err) {
			log.LogDebugWithFields("mfa", "verification code rejected", map[string]any{
				"device": device.DeviceID,
			})
			return false, nil
		}
		m.state = StateFailed
		return false, fmt.Errorf("validating verification code: %w", err)
	}
	m.state = StateSessionTrustRequested
	return true, nil
}

// SubmitPushOrSmsCode validates a 2FA code shown on a trusted device or
// texted to a trusted phone number, picking the endpoint from the challenge
// metadata. A wrong code returns (false, nil).
func (m *Machine) SubmitPushOrSmsCode(ctx context.Context, code string) (bool, error) {
	url := m.client.Endpoints().Auth + "/verify/trusteddevice/securitycode"
	body := map[string]any{
		"securityCode": map[string]string{"code": code},
	}
	if m.challenge != nil && m.challenge.Kind == KindSMS && m.challenge.Phone != nil {
		url = m.client.Endpoints().Auth + "/verify/phone/securitycode"
		body["phoneNumber"] = map[string]int{"id": m.challenge.Phone.ID}
		body["mode"] = "sms"
	}

	headers := m.client.AuthHeaders(http.Header{"Accept": []string{"application/json"}})
	_, err := m.client.Post(ctx, url, body, headers)
	if err != nil {
		if isWrongCode(err) {
			log.LogDebugWithFields("mfa", "security code rejected", nil)
			return false, nil
		}
		m.state = StateFailed
		return false, fmt.Errorf("validating security code: %w", err)
	}
	m.state = StateSessionTrustRequested
	return true, nil
}

// ConfirmSecurityKey completes the FIDO branch by obtaining an assertion from
// the prover and submitting it.
func (m *Machine) ConfirmSecurityKey(ctx context.Context, prover SecurityKeyProver) error {
	c := m.challenge
	if c == nil || c.SecurityKey == nil {
		return apierr.Protocol("no security key challenge pending")
	}
	if c.SecurityKey.Challenge == "" || c.SecurityKey.RPID == "" {
		return apierr.Protocol("security key challenge missing required fields")
	}

	assertion, err := prover.Assert(ctx, c.SecurityKey)
	if err != nil {
		if errors.Is(err, ErrNoSecurityKey) {
			return apierr.New(apierr.KindResourceUnavailable, "",
				"no compatible security key attached", false)
		}
		m.state = StateFailed
		return fmt.Errorf("signing security key challenge: %w", err)
	}

	body := map[string]any{
		"challenge":         c.SecurityKey.Challenge,
		"rpId":              c.SecurityKey.RPID,
		"clientData":        assertion.ClientData,
		"authenticatorData": assertion.AuthenticatorData,
		"signatureData":     assertion.SignatureData,
		"credentialID":      assertion.CredentialID,
		"userHandle":        assertion.UserHandle,
	}
	headers := m.client.AuthHeaders(http.Header{"Accept": []string{"application/json"}})
	if _, err := m.client.Post(ctx, m.client.Endpoints().Auth+"/verify/security/key", body, headers); err != nil {
		m.state = StateFailed
		return fmt.Errorf("verifying security key assertion: %w", err)
	}
	m.state = StateSessionTrustRequested
	return nil
}

// TrustSession asks the server to trust this session so future logins skip
// the second factor, then revalidates to pick up the trust token. A server
// rejection returns (false, nil); the session is still revalidated so it is
// usable, just untrusted, and the next login asks for a code again.
func (m *Machine) TrustSession(ctx context.Context) (bool, error) {
	m.state = StateSessionTrustRequested
	headers := m.client.AuthHeaders(nil)
	if _, err := m.client.Get(ctx, m.client.Endpoints().Auth+"/2sv/trust", headers); err != nil {
		if errors.Is(err, &apierr.Error{Kind: apierr.KindNetwork}) {
			return false, fmt.Errorf("requesting session trust: %w", err)
		}
		log.LogInfoWithFields("mfa", "session trust request rejected", map[string]any{
			"error": err.Error(),
		})
		if m.revalidate != nil {
			if rerr := m.revalidate(ctx); rerr != nil {
				return false, fmt.Errorf("revalidating untrusted session: %w", rerr)
			}
		}
		return false, nil
	}
	if m.revalidate != nil {
		if err := m.revalidate(ctx); err != nil {
			return false, fmt.Errorf("revalidating trusted session: %w", err)
		}
	}
	m.state = StateTrusted
	return true, nil
}

func isWrongCode(err error) bool {
	var classified *apierr.Error
	return errors.As(err, &classified) && classified.Code == wrongCodeServerCode
}
