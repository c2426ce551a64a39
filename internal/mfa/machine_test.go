package mfa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/config"
	"github.com/dgellow/icloudctl/internal/session"
	"github.com/dgellow/icloudctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(serverURL string) *session.Client {
	endpoints := config.Endpoints{
		Auth:  serverURL + "/appleauth/auth",
		Home:  serverURL,
		Setup: serverURL + "/setup/ws/1",
	}
	return session.NewClient("user@example.com", endpoints, store.NewMemoryStore(), time.Second)
}

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ChallengeKind
	}{
		{
			name: "security key wins over phone numbers",
			body: `{"fsaChallenge":{"challenge":"c","keyHandles":["h"],"rpId":"apple.com"},
				"trustedPhoneNumbers":[{"id":1,"pushMode":"sms"}]}`,
			want: KindSecurityKey,
		},
		{
			name: "sms phone number",
			body: `{"trustedPhoneNumbers":[{"id":2,"numberWithDialCode":"+1 (...) ...-..01","pushMode":"sms"}]}`,
			want: KindSMS,
		},
		{
			name: "empty body defaults to push",
			body: `{}`,
			want: KindPush,
		},
		{
			name: "garbage body defaults to push",
			body: `not json`,
			want: KindPush,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseChallenge([]byte(tt.body))
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Kind)
		})
	}
}

func TestParseChallenge_PicksFirstPhoneNumber(t *testing.T) {
	c := ParseChallenge([]byte(`{"trustedPhoneNumbers":[
		{"id":3,"numberWithDialCode":"+44 ....01","pushMode":"sms"},
		{"id":4,"numberWithDialCode":"+44 ....02","pushMode":"sms"}]}`))
	require.NotNil(t, c.Phone)
	assert.Equal(t, 3, c.Phone.ID)
}

func TestMachine_InitialState(t *testing.T) {
	client := testClient("https://example.invalid")

	assert.Equal(t, StateNoChallenge, NewMachine(client, nil, nil).State())
	assert.Equal(t, StateAwaitingPushCode,
		NewMachine(client, &Challenge{Kind: KindPush}, nil).State())
	assert.Equal(t, StateAwaitingSecurityKey,
		NewMachine(client, &Challenge{Kind: KindSecurityKey}, nil).State())
	assert.Equal(t, StateAwaitingDevice,
		NewMachine(client, &Challenge{Kind: KindTrustedDevice}, nil).State())
}

func TestMachine_ListTrustedDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/setup/ws/1/listDevices", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"devices":[
			{"deviceType":"SMS","deviceId":"1","phoneNumber":"*******58"},
			{"deviceType":"Trusted Device","deviceId":"2","deviceName":"Sam's iPhone"}]}`))
	}))
	defer srv.Close()

	m := NewMachine(testClient(srv.URL), &Challenge{Kind: KindTrustedDevice}, nil)
	devices, err := m.ListTrustedDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "SMS to *******58", devices[0].DisplayName())
	assert.Equal(t, "Sam's iPhone", devices[1].DisplayName())
}

func TestMachine_SubmitCode_RetriesOnWrongCode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/setup/ws/1/validateVerificationCode", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["trustBrowser"])

		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errorCode":-21669,"errorMessage":"Incorrect verification code"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	m := NewMachine(testClient(srv.URL), &Challenge{Kind: KindTrustedDevice}, nil)
	device := TrustedDevice{DeviceType: "SMS", DeviceID: "1", PhoneNumber: "*******58"}

	// Wrong codes come back as a plain false, never an error.
	for i := 0; i < 3; i++ {
		ok, err := m.SubmitCode(context.Background(), device, "000000")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := m.SubmitCode(context.Background(), device, "123456")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateSessionTrustRequested, m.State())
}

func TestMachine_SubmitPushCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/appleauth/auth/verify/trusteddevice/securitycode", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Apple-Widget-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		code := body["securityCode"].(map[string]any)["code"]
		assert.Equal(t, "123456", code)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMachine(testClient(srv.URL), &Challenge{Kind: KindPush}, nil)
	ok, err := m.SubmitPushOrSmsCode(context.Background(), "123456")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMachine_SubmitSmsCode_UsesPhoneEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/appleauth/auth/verify/phone/securitycode", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sms", body["mode"])
		assert.Equal(t, float64(7), body["phoneNumber"].(map[string]any)["id"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	challenge := &Challenge{Kind: KindSMS, Phone: &PhoneNumber{ID: 7, PushMode: "sms"}}
	m := NewMachine(testClient(srv.URL), challenge, nil)
	ok, err := m.SubmitPushOrSmsCode(context.Background(), "654321")
	require.NoError(t, err)
	assert.True(t, ok)
}

type staticProver struct {
	assertion *SecurityKeyAssertion
	err       error
}

func (p staticProver) Assert(ctx context.Context, c *SecurityKeyChallenge) (*SecurityKeyAssertion, error) {
	return p.assertion, p.err
}

func TestMachine_ConfirmSecurityKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/appleauth/auth/verify/security/key", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chal-1", body["challenge"])
		assert.Equal(t, "sig", body["signatureData"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	challenge := &Challenge{
		Kind:        KindSecurityKey,
		SecurityKey: &SecurityKeyChallenge{Challenge: "chal-1", RPID: "apple.com"},
	}
	m := NewMachine(testClient(srv.URL), challenge, nil)
	prover := staticProver{assertion: &SecurityKeyAssertion{
		ClientData:        "cd",
		AuthenticatorData: "ad",
		SignatureData:     "sig",
		CredentialID:      "cred",
	}}

	require.NoError(t, m.ConfirmSecurityKey(context.Background(), prover))
	assert.Equal(t, StateSessionTrustRequested, m.State())
}

func TestMachine_ConfirmSecurityKey_NoKeyAttached(t *testing.T) {
	challenge := &Challenge{
		Kind:        KindSecurityKey,
		SecurityKey: &SecurityKeyChallenge{Challenge: "chal-1", RPID: "apple.com"},
	}
	m := NewMachine(testClient("https://example.invalid"), challenge, nil)

	err := m.ConfirmSecurityKey(context.Background(), staticProver{err: ErrNoSecurityKey})
	require.ErrorIs(t, err, &apierr.Error{Kind: apierr.KindResourceUnavailable})
}

func TestMachine_ConfirmSecurityKey_MalformedChallenge(t *testing.T) {
	challenge := &Challenge{Kind: KindSecurityKey, SecurityKey: &SecurityKeyChallenge{}}
	m := NewMachine(testClient("https://example.invalid"), challenge, nil)

	err := m.ConfirmSecurityKey(context.Background(), staticProver{})
	require.ErrorIs(t, err, &apierr.Error{Kind: apierr.KindProtocolError})
}

func TestMachine_TrustSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/appleauth/auth/2sv/trust", r.URL.Path)
		w.Header().Set("X-Apple-TwoSV-Trust-Token", "trust-1")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	var revalidated bool
	m := NewMachine(client, &Challenge{Kind: KindPush}, func(ctx context.Context) error {
		revalidated = true
		return nil
	})

	ok, err := m.TrustSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, revalidated)
	assert.Equal(t, StateTrusted, m.State())
	assert.Equal(t, "trust-1", client.State().Get(session.KeyTrustToken))
}

func TestMachine_TrustSession_RejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errorMessage":"trust denied"}`))
	}))
	defer srv.Close()

	var revalidated bool
	m := NewMachine(testClient(srv.URL), &Challenge{Kind: KindPush}, func(ctx context.Context) error {
		revalidated = true
		return nil
	})
	ok, err := m.TrustSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	// The session is still exchanged for account data so it is usable
	// untrusted.
	assert.True(t, revalidated)
	assert.Equal(t, StateSessionTrustRequested, m.State())
}
