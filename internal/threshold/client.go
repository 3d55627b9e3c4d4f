package threshold

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"zuzalu/api/internal/ability"
	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/chains"
	"zuzalu/api/internal/obs"
)

const (
	DefaultSessionTTL  = 24 * time.Hour
	DefaultCallTimeout = 30 * time.Second

	derivedViaPersonalSign = "web3.eth.personal.sign"
)

// Options configures a Client.
type Options struct {
	Chain       string
	ChainID     int64
	Domain      string
	SessionTTL  time.Duration
	CallTimeout time.Duration
	Cache       CredentialCache
	Logger      *zap.Logger
	Now         func() time.Time
}

// Client drives one connection to a decryption network for one chain.
type Client struct {
	network Network
	wallet  Wallet
	opts    Options
	log     *zap.Logger

	connMu sync.Mutex // serialises Connect and Disconnect

	mu    sync.RWMutex
	state State
	cred  *Credential

	negotiation singleflight.Group
}

// NewClient returns a disconnected client.
func NewClient(network Network, wallet Wallet, opts Options) *Client {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		network: network,
		wallet:  wallet,
		opts:    opts,
		log:     log.With(zap.String("chain", opts.Chain)),
	}
}

// Chain is the chain this client serves.
func (c *Client) Chain() string {
	return c.opts.Chain
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect opens the network connection. Calling it while connected is a no-op;
// an unexpired credential kept from an earlier session makes the client session-ready at once.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() >= StateConnected {
		return nil
	}
	c.setState(StateConnecting)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if err := c.network.Connect(callCtx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("threshold: connect: %w", err)
	}

	c.mu.Lock()
	if c.cred != nil && c.cred.Valid(c.opts.Now()) {
		c.state = StateSessionReady
	} else {
		c.state = StateConnected
	}
	state := c.state
	c.mu.Unlock()

	c.log.Info("threshold_connected", zap.Stringer("state", state))
	return nil
}

// Session returns a valid session credential, negotiating one if needed.
// Concurrent callers share a single negotiation. The negotiation runs detached
// from any one caller, bounded by CallTimeout; each caller stops waiting when
// its own ctx ends.
func (c *Client) Session(ctx context.Context) (Credential, error) {
	if cred, ok := c.readyCredential(); ok {
		return cred, nil
	}
	if c.State() < StateConnected {
		return Credential{}, ErrNotConnected
	}

	ch := c.negotiation.DoChan("session", func() (any, error) {
		negCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		defer cancel()
		return c.negotiate(negCtx)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// EnsureSession connects and negotiates a session.
func (c *Client) EnsureSession(ctx context.Context) (Credential, error) {
	if err := c.Connect(ctx); err != nil {
		return Credential{}, err
	}
	return c.Session(ctx)
}

// Credential returns the cached credential, if any, without checking expiry.
func (c *Client) Credential() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return Credential{}, false
	}
	return *c.cred, true
}

func (c *Client) readyCredential() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil || c.state < StateConnected {
		return Credential{}, false
	}
	if !c.cred.Valid(c.opts.Now()) {
		if c.state == StateSessionReady {
			c.state = StateConnected
		}
		return Credential{}, false
	}
	c.state = StateSessionReady
	return *c.cred, true
}

func (c *Client) negotiate(ctx context.Context) (Credential, error) {
	if cred, ok := c.readyCredential(); ok {
		return cred, nil
	}
	if c.wallet == nil {
		return Credential{}, ErrAuthorization
	}
	address, ok := c.wallet.ConnectedAddress(ctx)
	if !ok || address == "" {
		return Credential{}, ErrAuthorization
	}

	c.transition(StateConnected, StateSessionPending)

	if c.opts.Cache != nil {
		cached, found, err := c.opts.Cache.LoadCredential(ctx, c.opts.Chain, address)
		if err != nil {
			c.log.Warn("session_cache_load_failed", zap.String("address", address), zap.Error(err))
		} else if found && cached.Valid(c.opts.Now()) {
			obs.SessionNegotiations.WithLabelValues("cache", "ok").Inc()
			c.storeCredential(cached)
			return cached, nil
		}
	}

	requests := []ability.Request{ability.DecryptAny()}
	params := SessionSigsParams{
		Chain:                   c.opts.Chain,
		Expiration:              c.opts.Now().Add(c.opts.SessionTTL).UTC(),
		ResourceAbilityRequests: requests,
		AuthNeeded:              c.authCallback(address),
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	cred, err := c.network.SessionSigs(callCtx, params)
	if err != nil {
		obs.SessionNegotiations.WithLabelValues("network", "failed").Inc()
		c.transition(StateSessionPending, StateConnected)
		c.log.Warn("session_negotiation_failed", zap.String("address", address), zap.Error(err))
		return Credential{}, fmt.Errorf("threshold: session: %w", err)
	}
	if cred.Chain == "" {
		cred.Chain = c.opts.Chain
	}
	obs.SessionNegotiations.WithLabelValues("network", "ok").Inc()
	c.storeCredential(cred)

	if c.opts.Cache != nil {
		if err := c.opts.Cache.SaveCredential(ctx, cred); err != nil {
			c.log.Warn("session_cache_save_failed", zap.String("address", address), zap.Error(err))
		}
	}
	c.log.Info("session_ready", zap.String("address", address), zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

func (c *Client) authCallback(address string) AuthCallback {
	return func(ctx context.Context, p AuthCallbackParams) (AuthSig, error) {
		switch {
		case p.URI == "":
			return AuthSig{}, &MissingParameterError{Param: "uri"}
		case p.Expiration.IsZero():
			return AuthSig{}, &MissingParameterError{Param: "expiration"}
		case len(p.ResourceAbilityRequests) == 0:
			return AuthSig{}, &MissingParameterError{Param: "resourceAbilityRequests"}
		}

		nonce, err := c.network.LatestBlockhash(ctx)
		if err != nil {
			return AuthSig{}, fmt.Errorf("latest blockhash: %w", err)
		}
		text, err := SignInMessage{
			Domain:         c.opts.Domain,
			Address:        address,
			URI:            p.URI,
			ChainID:        c.opts.ChainID,
			Nonce:          nonce,
			IssuedAt:       c.opts.Now().UTC(),
			ExpirationTime: p.Expiration,
			Requests:       p.ResourceAbilityRequests,
		}.Text()
		if err != nil {
			return AuthSig{}, err
		}
		sig, err := c.wallet.SignMessage(ctx, text)
		if err != nil {
			return AuthSig{}, fmt.Errorf("sign session message: %w", err)
		}
		return AuthSig{Sig: sig, DerivedVia: derivedViaPersonalSign, SignedMessage: text, Address: address}, nil
	}
}

// PrepareSignIn builds the message a remote wallet must sign to open a
// session for address. Each message names a fresh session URI and carries the
// network's latest block hash as nonce.
func (c *Client) PrepareSignIn(ctx context.Context, address string) (SignInMessage, error) {
	if c.State() < StateConnected {
		return SignInMessage{}, ErrNotConnected
	}
	if !chains.IsAddress(address) {
		return SignInMessage{}, fmt.Errorf("%w: malformed address %q", ErrSignInRejected, address)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	nonce, err := c.network.LatestBlockhash(callCtx)
	if err != nil {
		return SignInMessage{}, fmt.Errorf("threshold: latest blockhash: %w", err)
	}
	now := c.opts.Now().UTC().Truncate(time.Second)
	return SignInMessage{
		Domain:         c.opts.Domain,
		Address:        chains.ChecksumAddress(address),
		URI:            sessionPrefix + uuid.NewString(),
		ChainID:        c.opts.ChainID,
		Nonce:          nonce,
		IssuedAt:       now,
		ExpirationTime: now.Add(c.opts.SessionTTL),
		Requests:       []ability.Request{ability.DecryptAny()},
	}, nil
}

// OpenSession exchanges a sign-in message signed by a remote wallet for a
// session credential. The credential belongs to the signer and is returned to
// the caller; the client keeps no copy.
func (c *Client) OpenSession(ctx context.Context, message, signature string) (Credential, error) {
	if c.State() < StateConnected {
		return Credential{}, ErrNotConnected
	}
	msg, err := ParseSignIn(message)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrSignInRejected, err)
	}
	now := c.opts.Now()
	switch {
	case msg.Domain != c.opts.Domain:
		return Credential{}, fmt.Errorf("%w: message is for domain %q", ErrSignInRejected, msg.Domain)
	case msg.ChainID != c.opts.ChainID:
		return Credential{}, fmt.Errorf("%w: message is for chain id %d", ErrSignInRejected, msg.ChainID)
	case !strings.HasPrefix(msg.URI, sessionPrefix):
		return Credential{}, &MissingParameterError{Param: "uri"}
	case msg.ExpirationTime.IsZero():
		return Credential{}, &MissingParameterError{Param: "expiration"}
	case len(msg.Requests) == 0:
		return Credential{}, &MissingParameterError{Param: "resourceAbilityRequests"}
	case !now.Before(msg.ExpirationTime):
		return Credential{}, fmt.Errorf("%w: message expired", ErrSignInRejected)
	case msg.ExpirationTime.After(now.Add(c.opts.SessionTTL + time.Minute)):
		return Credential{}, fmt.Errorf("%w: session longer than %s", ErrSignInRejected, c.opts.SessionTTL)
	}

	authSig := AuthSig{Sig: signature, DerivedVia: derivedViaPersonalSign, SignedMessage: message, Address: msg.Address}
	params := SessionSigsParams{
		Chain:                   c.opts.Chain,
		URI:                     msg.URI,
		Expiration:              msg.ExpirationTime,
		ResourceAbilityRequests: msg.Requests,
		AuthNeeded: func(_ context.Context, p AuthCallbackParams) (AuthSig, error) {
			if p.URI != msg.URI {
				return AuthSig{}, fmt.Errorf("%w: network asked for session %q", ErrSignInRejected, p.URI)
			}
			return authSig, nil
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	cred, err := c.network.SessionSigs(callCtx, params)
	if err != nil {
		obs.SessionNegotiations.WithLabelValues("signin", "failed").Inc()
		c.log.Warn("session_sign_in_failed", zap.String("address", msg.Address), zap.Error(err))
		return Credential{}, fmt.Errorf("threshold: session: %w", err)
	}
	if cred.Chain == "" {
		cred.Chain = c.opts.Chain
	}
	obs.SessionNegotiations.WithLabelValues("signin", "ok").Inc()
	if c.opts.Cache != nil {
		if err := c.opts.Cache.SaveCredential(ctx, cred); err != nil {
			c.log.Warn("session_cache_save_failed", zap.String("address", cred.Address), zap.Error(err))
		}
	}
	c.log.Info("session_opened", zap.String("address", cred.Address), zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// ReaderFor binds a caller-held credential to this client's connection.
func (c *Client) ReaderFor(cred Credential) (*Reader, error) {
	if cred.Chain != "" && cred.Chain != c.opts.Chain {
		return nil, fmt.Errorf("%w: credential is for chain %q", ErrSignInRejected, cred.Chain)
	}
	if !cred.Valid(c.opts.Now()) {
		return nil, fmt.Errorf("%w: credential expired", ErrSignInRejected)
	}
	return &Reader{client: c, cred: cred}, nil
}

// Reader decrypts on behalf of one credential holder. The network evaluates
// every condition against the holder's address.
type Reader struct {
	client *Client
	cred   Credential
}

// Address is the credential holder.
func (r *Reader) Address() string {
	return r.cred.Address
}

func (r *Reader) DecryptString(ctx context.Context, envelope blocks.Envelope, conditions acc.Set) (string, error) {
	if r.client.State() < StateConnected || !r.cred.Valid(r.client.opts.Now()) {
		return "", ErrNotConnected
	}
	return r.client.decrypt(ctx, envelope, conditions, r.cred)
}

// EncryptString encrypts plaintext under conditions. Requires a connection.
func (c *Client) EncryptString(ctx context.Context, plaintext string, conditions acc.Set) (blocks.Envelope, error) {
	if c.State() < StateConnected {
		return blocks.Envelope{}, ErrNotConnected
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	env, err := c.network.EncryptString(callCtx, plaintext, conditions)
	if err != nil {
		return blocks.Envelope{}, fmt.Errorf("threshold: encrypt: %w", err)
	}
	return env, nil
}

// DecryptString asks the network to decrypt an envelope. Requires a ready session;
// every call is evaluated by the network.
func (c *Client) DecryptString(ctx context.Context, envelope blocks.Envelope, conditions acc.Set) (string, error) {
	cred, ok := c.readyCredential()
	if !ok {
		return "", ErrNotConnected
	}
	return c.decrypt(ctx, envelope, conditions, cred)
}

func (c *Client) decrypt(ctx context.Context, envelope blocks.Envelope, conditions acc.Set, cred Credential) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	plaintext, err := c.network.DecryptToString(callCtx, envelope, conditions, cred)
	if err != nil {
		return "", fmt.Errorf("threshold: decrypt: %w", err)
	}
	return plaintext, nil
}

// Disconnect closes the network connection and keeps the session credential.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() == StateDisconnected {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	err := c.network.Disconnect(callCtx)
	c.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("threshold: disconnect: %w", err)
	}
	c.log.Info("threshold_disconnected")
	return nil
}

// Close disconnects and discards the session credential.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
	return err
}

func (c *Client) storeCredential(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = &cred
	if c.state >= StateConnected {
		c.state = StateSessionReady
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves from -> to only when the client is still in from.
func (c *Client) transition(from, to State) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}

// IsSignInRequired reports whether err means the caller must connect a wallet or sign in.
func IsSignInRequired(err error) bool {
	var missing *MissingParameterError
	return errors.Is(err, ErrAuthorization) || errors.Is(err, ErrSignInRejected) || errors.As(err, &missing)
}
