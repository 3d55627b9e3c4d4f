// Package threshold is the client side of a threshold decryption network:
// connection lifecycle, wallet-signed session negotiation, and encrypt/decrypt
// calls gated by access-control conditions.
package threshold

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zuzalu/api/internal/ability"
	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/blocks"
)

// State is the client's position in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSessionPending
	StateSessionReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSessionPending:
		return "session_pending"
	case StateSessionReady:
		return "session_ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned when an operation needs a connection or a session that does not exist.
	ErrNotConnected = errors.New("threshold: not connected")
	// ErrAuthorization is returned when no wallet address is available to sign a session.
	ErrAuthorization = errors.New("threshold: no wallet connected")
	// ErrConditionsNotMet is returned by networks that refuse a decrypt on policy grounds.
	ErrConditionsNotMet = errors.New("threshold: access control conditions not met")
	// ErrSignInRejected is returned when a presented sign-in message or credential
	// does not fit this client's domain, chain or clock.
	ErrSignInRejected = errors.New("threshold: sign-in rejected")
)

// MissingParameterError is returned when the network's auth callback omits a required field.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("threshold: missing auth callback parameter %q", e.Param)
}

// AuthSig is a wallet signature over a SIWE message.
type AuthSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
}

// AuthCallbackParams is what the network hands the client when it needs a wallet signature.
type AuthCallbackParams struct {
	URI                     string
	Expiration              time.Time
	ResourceAbilityRequests []ability.Request
}

// AuthCallback produces a wallet signature for a session request.
type AuthCallback func(ctx context.Context, params AuthCallbackParams) (AuthSig, error)

// SessionSigsParams asks the network for session credentials. URI is the
// session the sign-in message must name; networks mint one when it is empty.
type SessionSigsParams struct {
	Chain                   string
	URI                     string
	Expiration              time.Time
	ResourceAbilityRequests []ability.Request
	AuthNeeded              AuthCallback
}

// SessionSig is one node's signature over the session.
type SessionSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
	Algo          string `json:"algo,omitempty"`
}

// Credential is a time-bounded session credential proving wallet ownership.
type Credential struct {
	Address   string                `json:"address"`
	Chain     string                `json:"chain"`
	Sigs      map[string]SessionSig `json:"sigs"`
	Abilities []ability.Request     `json:"abilities"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

// Valid reports whether the credential carries signatures and has not expired at now.
func (c Credential) Valid(now time.Time) bool {
	return len(c.Sigs) > 0 && now.Before(c.ExpiresAt)
}

// Token renders the credential as an opaque bearer string for HTTP clients.
func (c Credential) Token() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("threshold: credential token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseCredentialToken reverses Credential.Token. The network still verifies
// every node signature it carries.
func ParseCredentialToken(token string) (Credential, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: credential token: %v", ErrSignInRejected, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: credential token: %v", ErrSignInRejected, err)
	}
	if len(cred.Sigs) == 0 || cred.Address == "" {
		return Credential{}, fmt.Errorf("%w: credential token carries no signatures", ErrSignInRejected)
	}
	return cred, nil
}

// Network is a threshold decryption network.
type Network interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	LatestBlockhash(ctx context.Context) (string, error)
	SessionSigs(ctx context.Context, params SessionSigsParams) (Credential, error)
	EncryptString(ctx context.Context, plaintext string, conditions acc.Set) (blocks.Envelope, error)
	DecryptToString(ctx context.Context, envelope blocks.Envelope, conditions acc.Set, credential Credential) (string, error)
}

// Wallet signs session messages.
type Wallet interface {
	ConnectedAddress(ctx context.Context) (string, bool)
	SignMessage(ctx context.Context, message string) (string, error)
}

// CredentialCache shares credentials between clients and process restarts.
type CredentialCache interface {
	LoadCredential(ctx context.Context, chain, address string) (Credential, bool, error)
	SaveCredential(ctx context.Context, credential Credential) error
}
