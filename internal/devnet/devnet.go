// Package devnet is a single-node decryption network for local runs and tests.
// It verifies sign-in signatures, issues session credentials as signed tokens,
// evaluates balanceOf conditions against live chain state and encrypts with an
// AEAD key bound to the condition set.
package devnet

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"go.uber.org/zap"

	"zuzalu/api/internal/ability"
	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/auth"
	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/chains"
	"zuzalu/api/internal/threshold"
	"zuzalu/api/internal/wallet"
)

const (
	nodeName      = "devnet-0"
	keyID         = "devnet"
	sessionPrefix = "lit:session:"
	nonceTTL      = 10 * time.Minute
)

var (
	ErrInvalidAuthSig    = fmt.Errorf("devnet: invalid auth signature: %w", threshold.ErrSignInRejected)
	ErrInvalidCredential = errors.New("devnet: invalid session credential")
)

// ChainReader reads the chain state conditions are evaluated against.
type ChainReader interface {
	BalanceOf(ctx context.Context, chain, contract, owner string) (*big.Int, error)
	LatestBlockhash(ctx context.Context, chain string) (string, error)
}

// Config configures a Network.
type Config struct {
	// MasterKey is the 32-byte AEAD key.
	MasterKey []byte
	// SigningSecret signs session credentials.
	SigningSecret []byte
	// NonceChain is the chain whose latest block hash serves as sign-in nonce.
	NonceChain string
	// Domain, when set, must match the sign-in message domain.
	Domain string
	Logger *zap.Logger
	Now    func() time.Time
}

// Network implements threshold.Network.
type Network struct {
	cfg       Config
	chains    ChainReader
	wrapper   *aead.Wrapper
	log       *zap.Logger
	connected atomic.Bool

	mu     sync.Mutex
	nonces map[string]time.Time
	used   map[string]time.Time
}

// New configures the AEAD wrapper and returns a disconnected network.
func New(ctx context.Context, reader ChainReader, cfg Config) (*Network, error) {
	if len(cfg.MasterKey) != 32 {
		return nil, fmt.Errorf("devnet: master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, errors.New("devnet: signing secret is required")
	}
	if cfg.NonceChain == "" {
		cfg.NonceChain = "ethereum"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	w := aead.NewWrapper()
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(map[string]string{
		"key":    base64.StdEncoding.EncodeToString(cfg.MasterKey),
		"key_id": keyID,
	})); err != nil {
		return nil, fmt.Errorf("devnet: configure wrapper: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Network{
		cfg:     cfg,
		chains:  reader,
		wrapper: w,
		log:     log.Named("devnet"),
		nonces:  make(map[string]time.Time),
		used:    make(map[string]time.Time),
	}, nil
}

func (n *Network) Connect(context.Context) error {
	n.connected.Store(true)
	return nil
}

func (n *Network) Disconnect(context.Context) error {
	n.connected.Store(false)
	return nil
}

func (n *Network) requireConnected() error {
	if !n.connected.Load() {
		return threshold.ErrNotConnected
	}
	return nil
}

// LatestBlockhash returns the nonce chain's latest block hash and remembers it
// as an acceptable sign-in nonce.
func (n *Network) LatestBlockhash(ctx context.Context) (string, error) {
	if err := n.requireConnected(); err != nil {
		return "", err
	}
	hash, err := n.chains.LatestBlockhash(ctx, n.cfg.NonceChain)
	if err != nil {
		return "", fmt.Errorf("devnet: latest blockhash: %w", err)
	}
	now := n.cfg.Now()
	n.mu.Lock()
	for h, seen := range n.nonces {
		if now.Sub(seen) > nonceTTL {
			delete(n.nonces, h)
		}
	}
	n.nonces[hash] = now
	n.mu.Unlock()
	return hash, nil
}

// redeem consumes a sign-in nonce and marks the session URI as used. A signed
// message therefore opens at most one session.
func (n *Network) redeem(nonce, uri string, expires time.Time) error {
	now := n.cfg.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for u, exp := range n.used {
		if now.After(exp) {
			delete(n.used, u)
		}
	}
	if _, ok := n.used[uri]; ok {
		return fmt.Errorf("%w: session %s already opened", ErrInvalidAuthSig, uri)
	}
	seen, ok := n.nonces[nonce]
	if !ok || now.Sub(seen) > nonceTTL {
		return fmt.Errorf("%w: unknown nonce", ErrInvalidAuthSig)
	}
	delete(n.nonces, nonce)
	n.used[uri] = expires
	return nil
}

// SessionSigs asks the client for a wallet signature, verifies it and returns
// a credential carrying a signed token. The session URI comes from params when
// the caller already holds a signed message, and is minted otherwise.
func (n *Network) SessionSigs(ctx context.Context, params threshold.SessionSigsParams) (threshold.Credential, error) {
	if err := n.requireConnected(); err != nil {
		return threshold.Credential{}, err
	}
	if params.AuthNeeded == nil {
		return threshold.Credential{}, &threshold.MissingParameterError{Param: "authNeededCallback"}
	}
	uri := params.URI
	if uri == "" {
		uri = sessionPrefix + uuid.NewString()
	}
	authSig, err := params.AuthNeeded(ctx, threshold.AuthCallbackParams{
		URI:                     uri,
		Expiration:              params.Expiration,
		ResourceAbilityRequests: params.ResourceAbilityRequests,
	})
	if err != nil {
		return threshold.Credential{}, err
	}

	msg, err := n.verifyAuthSig(authSig, uri, params)
	if err != nil {
		n.log.Warn("auth_sig_rejected", zap.String("address", authSig.Address), zap.Error(err))
		return threshold.Credential{}, err
	}
	if err := n.redeem(msg.Nonce, uri, msg.ExpirationTime); err != nil {
		n.log.Warn("auth_sig_replayed", zap.String("address", authSig.Address), zap.Error(err))
		return threshold.Credential{}, err
	}

	address := chains.ChecksumAddress(msg.Address)
	claims := auth.Claims{
		Address:   address,
		Chain:     params.Chain,
		Abilities: params.ResourceAbilityRequests,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uri,
			Issuer:    nodeName,
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(n.cfg.Now()),
			ExpiresAt: jwt.NewNumericDate(msg.ExpirationTime),
		},
	}
	token, err := auth.IssueToken(n.cfg.SigningSecret, claims)
	if err != nil {
		return threshold.Credential{}, fmt.Errorf("devnet: %w", err)
	}

	n.log.Info("session_issued", zap.String("address", address), zap.Time("expires_at", msg.ExpirationTime))
	return threshold.Credential{
		Address: address,
		Chain:   params.Chain,
		Sigs: map[string]threshold.SessionSig{
			nodeName: {Sig: token, DerivedVia: "jwt", SignedMessage: uri, Address: address, Algo: "HS256"},
		},
		Abilities: params.ResourceAbilityRequests,
		ExpiresAt: msg.ExpirationTime,
	}, nil
}

func (n *Network) verifyAuthSig(authSig threshold.AuthSig, uri string, params threshold.SessionSigsParams) (threshold.SignInMessage, error) {
	msg, err := threshold.ParseSignIn(authSig.SignedMessage)
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidAuthSig, err)
	}
	switch {
	case !chains.SameAddress(msg.Address, authSig.Address):
		return msg, fmt.Errorf("%w: message address differs from signer", ErrInvalidAuthSig)
	case msg.URI != uri:
		return msg, fmt.Errorf("%w: unexpected uri", ErrInvalidAuthSig)
	case n.cfg.Domain != "" && msg.Domain != n.cfg.Domain:
		return msg, fmt.Errorf("%w: unexpected domain %q", ErrInvalidAuthSig, msg.Domain)
	case msg.ExpirationTime.IsZero() || !msg.ExpirationTime.After(n.cfg.Now()):
		return msg, fmt.Errorf("%w: message expired", ErrInvalidAuthSig)
	case msg.ExpirationTime.After(params.Expiration):
		return msg, fmt.Errorf("%w: expiration beyond request", ErrInvalidAuthSig)
	case authSig.DerivedVia != wallet.DerivedVia:
		return msg, fmt.Errorf("%w: unsupported signature scheme %q", ErrInvalidAuthSig, authSig.DerivedVia)
	}

	if err := wallet.Verify(msg.Address, authSig.SignedMessage, authSig.Sig); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidAuthSig, err)
	}
	for _, req := range params.ResourceAbilityRequests {
		if !ability.Can(msg.Requests, req.Resource, req.Key, req.Ability) {
			return msg, fmt.Errorf("%w: ability %s not granted", ErrInvalidAuthSig, req)
		}
	}
	return msg, nil
}

// EncryptString seals plaintext under conditions.
func (n *Network) EncryptString(ctx context.Context, plaintext string, conditions acc.Set) (blocks.Envelope, error) {
	if err := n.requireConnected(); err != nil {
		return blocks.Envelope{}, err
	}
	if len(conditions) == 0 {
		return blocks.Envelope{}, acc.ErrNoConditions
	}
	hash := dataHash(plaintext)
	info, err := n.wrapper.Encrypt(ctx, []byte(plaintext), wrapping.WithAad(boundData(conditions, hash)))
	if err != nil {
		return blocks.Envelope{}, fmt.Errorf("devnet: encrypt: %w", err)
	}
	return blocks.Envelope{
		Ciphertext:        base64.StdEncoding.EncodeToString(info.Ciphertext),
		DataToEncryptHash: hash,
	}, nil
}

// DecryptToString checks the credential, evaluates every condition for the
// credential's address and opens the envelope.
func (n *Network) DecryptToString(ctx context.Context, envelope blocks.Envelope, conditions acc.Set, cred threshold.Credential) (string, error) {
	if err := n.requireConnected(); err != nil {
		return "", err
	}
	claims, err := n.verifyCredential(cred)
	if err != nil {
		return "", err
	}
	if !ability.Can(claims.Abilities, ability.ResourceAccessControlCondition, envelope.DataToEncryptHash, ability.AbilityDecryption) {
		return "", fmt.Errorf("%w: decryption not granted", ErrInvalidCredential)
	}
	if len(conditions) == 0 {
		return "", acc.ErrNoConditions
	}
	for i, cond := range conditions {
		if err := n.evaluate(ctx, cond, claims.Address); err != nil {
			n.log.Info("conditions_not_met", zap.Int("index", i), zap.String("address", claims.Address), zap.Error(err))
			return "", err
		}
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("devnet: ciphertext: %w", err)
	}
	plain, err := n.wrapper.Decrypt(ctx, &wrapping.BlobInfo{
		Ciphertext: raw,
		KeyInfo:    &wrapping.KeyInfo{KeyId: keyID},
	}, wrapping.WithAad(boundData(conditions, envelope.DataToEncryptHash)))
	if err != nil {
		return "", fmt.Errorf("devnet: decrypt: %w", err)
	}
	if dataHash(string(plain)) != envelope.DataToEncryptHash {
		return "", errors.New("devnet: decrypt: data hash mismatch")
	}
	return string(plain), nil
}

func (n *Network) verifyCredential(cred threshold.Credential) (auth.Claims, error) {
	sig, ok := cred.Sigs[nodeName]
	if !ok {
		return auth.Claims{}, fmt.Errorf("%w: no signature from %s", ErrInvalidCredential, nodeName)
	}
	claims, err := auth.ParseToken(n.cfg.SigningSecret, sig.Sig)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if cred.Address != "" && !chains.SameAddress(cred.Address, claims.Address) {
		return auth.Claims{}, fmt.Errorf("%w: address mismatch", ErrInvalidCredential)
	}
	return claims, nil
}

func (n *Network) evaluate(ctx context.Context, cond acc.Condition, user string) error {
	if cond.Method != acc.MethodBalanceOf {
		return fmt.Errorf("%w: unsupported method %q", threshold.ErrConditionsNotMet, cond.Method)
	}
	owner := user
	if len(cond.Parameters) > 0 && cond.Parameters[0] != acc.ParamUserAddress {
		owner = cond.Parameters[0]
	}
	expected, ok := new(big.Int).SetString(cond.ReturnValueTest.Value, 10)
	if !ok {
		return fmt.Errorf("%w: test value %q", threshold.ErrConditionsNotMet, cond.ReturnValueTest.Value)
	}
	balance, err := n.chains.BalanceOf(ctx, cond.Chain, cond.ContractAddress, owner)
	if err != nil {
		return fmt.Errorf("devnet: evaluate condition: %w", err)
	}
	met, err := acc.Compare(cond.ReturnValueTest.Comparator, balance, expected)
	if err != nil {
		return fmt.Errorf("%w: %v", threshold.ErrConditionsNotMet, err)
	}
	if !met {
		return threshold.ErrConditionsNotMet
	}
	return nil
}

func dataHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func boundData(conditions acc.Set, hash string) []byte {
	return append(conditions.Canonical(), []byte("|"+hash)...)
}
