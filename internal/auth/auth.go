// Package auth performs the password-proof handshake against the identity
// service. The password itself never leaves the process; the server only ever
// sees the SRP proof values derived from it.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/dgellow/icloudctl/internal/apierr"
	"github.com/dgellow/icloudctl/internal/log"
	"github.com/dgellow/icloudctl/internal/mfa"
	"github.com/dgellow/icloudctl/internal/session"
	"github.com/dgellow/icloudctl/internal/srp"
)

// derivedKeyLength is the PBKDF2 output size the identity service expects.
const derivedKeyLength = 32

// Credentials is an immutable identifier/secret pair. The secret is
// registered with the log redactor at construction so it can never appear in
// log output.
type Credentials struct {
	accountName string
	password    string
}

// NewCredentials builds credentials and shields the secret from logs.
func NewCredentials(accountName, password string) Credentials {
	log.RegisterSecret(password)
	return Credentials{accountName: accountName, password: password}
}

// AccountName returns the account identifier.
func (c Credentials) AccountName() string { return c.accountName }

// Password returns the raw secret for flows that submit it directly (the
// per-service one-factor login). Handle with care; never log it.
func (c Credentials) Password() string { return c.password }

// Result is the outcome of a successful handshake: either the session is
// fully authenticated, or a second factor is pending.
type Result struct {
	MFARequired bool
	Challenge   *mfa.Challenge
}

// Authenticator runs the SRP handshake over an authenticated transport.
type Authenticator struct {
	client *session.Client
}

// New builds an authenticator bound to a session client.
func New(client *session.Client) *Authenticator {
	return &Authenticator{client: client}
}

type initRequest struct {
	A           string   `json:"a"`
	AccountName string   `json:"accountName"`
	Protocols   []string `json:"protocols"`
}

type initResponse struct {
	Salt      string `json:"salt"`
	B         string `json:"b"`
	C         string `json:"c"`
	Iteration int    `json:"iteration"`
	Protocol  string `json:"protocol"`
}

type completeRequest struct {
	AccountName string   `json:"accountName"`
	C           string   `json:"c"`
	M1          string   `json:"m1"`
	M2          string   `json:"m2"`
	RememberMe  bool     `json:"rememberMe"`
	TrustTokens []string `json:"trustTokens"`
}

// Authenticate runs one complete handshake attempt. Every call generates a
// fresh ephemeral key pair, so a failed attempt can simply be retried.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Result, error) {
	client, err := srp.NewClient(creds.accountName)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	headers := a.client.AuthHeaders(nil)

	initBody := initRequest{
		A:           base64.StdEncoding.EncodeToString(client.PublicA()),
		AccountName: creds.accountName,
		Protocols:   srp.Protocols(),
	}
	resp, err := a.client.Post(ctx, a.client.Endpoints().Auth+"/signin/init", initBody, headers)
	if err != nil {
		return nil, fmt.Errorf("initiating password proof: %w", err)
	}

	var challenge initResponse
	if err := resp.JSON(&challenge); err != nil {
		return nil, apierr.Protocol("malformed handshake challenge: %v", err)
	}
	salt, err := base64.StdEncoding.DecodeString(challenge.Salt)
	if err != nil || len(salt) == 0 {
		return nil, apierr.Protocol("handshake challenge carries an invalid salt")
	}
	serverB, err := base64.StdEncoding.DecodeString(challenge.B)
	if err != nil || len(serverB) == 0 {
		return nil, apierr.Protocol("handshake challenge carries an invalid public value")
	}
	if challenge.Iteration <= 0 {
		return nil, apierr.Protocol("handshake challenge carries iteration count %d", challenge.Iteration)
	}
	protocol := srp.Protocol(challenge.Protocol)
	if protocol == "" {
		protocol = srp.ProtocolS2K
	}

	derived, err := srp.DerivePassword(protocol, creds.password, salt, challenge.Iteration, derivedKeyLength)
	if err != nil {
		return nil, apierr.Protocol("deriving password key: %v", err)
	}
	proofs, err := client.ProcessChallenge(derived, salt, serverB)
	if err != nil {
		return nil, apierr.Protocol("computing password proof: %v", err)
	}

	completeBody := completeRequest{
		AccountName: creds.accountName,
		C:           challenge.C,
		M1:          base64.StdEncoding.EncodeToString(proofs.M1),
		M2:          base64.StdEncoding.EncodeToString(proofs.M2),
		RememberMe:  true,
		TrustTokens: []string{},
	}
	if trust := a.client.State().Get(session.KeyTrustToken); trust != "" {
		completeBody.TrustTokens = []string{trust}
	}

	url := a.client.Endpoints().Auth + "/signin/complete?isRememberMeEnabled=true"
	if _, err := a.client.Post(ctx, url, completeBody, headers); err != nil {
		return a.classifyCompleteFailure(err)
	}

	log.LogInfoWithFields("auth", "password proof accepted", map[string]any{
		"account": creds.accountName,
	})
	return &Result{}, nil
}

// classifyCompleteFailure separates the expected second-factor branch from a
// rejected proof. The handshake endpoints report a rejected password as a
// generic API error, so anything unrecognized maps to invalid credentials.
func (a *Authenticator) classifyCompleteFailure(err error) (*Result, error) {
	var classified *apierr.Error
	if !errors.As(err, &classified) {
		return nil, fmt.Errorf("completing password proof: %w", err)
	}

	switch classified.Kind {
	case apierr.KindSecondFactorRequired:
		challenge := mfa.ParseChallenge(classified.Body)
		log.LogInfoWithFields("auth", "second factor required", map[string]any{
			"kind": string(challenge.Kind),
		})
		return &Result{MFARequired: true, Challenge: challenge}, nil
	case apierr.KindNetwork, apierr.KindRateLimited, apierr.KindProtocolError:
		return nil, fmt.Errorf("completing password proof: %w", err)
	default:
		return nil, apierr.New(apierr.KindInvalidCredentials, classified.Code,
			"invalid account name or password", false)
	}
}
