// Package wallet provides a local secp256k1 key wallet and EIP-191 signature
// recovery for sign-in messages.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DerivedVia tags personal_sign signatures, the scheme every browser wallet uses.
const DerivedVia = "web3.eth.personal.sign"

var (
	ErrBadSignature    = errors.New("wallet: signature does not verify")
	ErrAddressMismatch = errors.New("wallet: signer does not match address")
)

// KeySigner signs messages with a secp256k1 key the way an Ethereum wallet
// answers personal_sign.
type KeySigner struct {
	priv    *ecdsa.PrivateKey
	address string
}

// FromHex builds a signer from a 32-byte hex private key, with or without 0x.
func FromHex(keyHex string) (*KeySigner, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	priv, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet: key: %w", err)
	}
	return newSigner(priv), nil
}

// Generate returns a signer with a fresh random key.
func Generate() (*KeySigner, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate: %w", err)
	}
	return newSigner(priv), nil
}

func newSigner(priv *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey).Hex()}
}

// Address is the signer's checksummed address.
func (s *KeySigner) Address() string {
	return s.address
}

// KeyHex returns the 0x-prefixed private key, for writing a generated key out.
func (s *KeySigner) KeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.priv))
}

func (s *KeySigner) ConnectedAddress(context.Context) (string, bool) {
	return s.address, true
}

// SignMessage returns the 65-byte personal_sign signature with v as 27 or 28.
func (s *KeySigner) SignMessage(_ context.Context, message string) (string, error) {
	sig, err := crypto.Sign(TextHash(message), s.priv)
	if err != nil {
		return "", fmt.Errorf("wallet: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// TextHash is the EIP-191 personal message digest of message.
func TextHash(message string) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
}

// Recover returns the checksummed address that produced sigHex over message.
// Both 0/1 and 27/28 recovery ids are accepted.
func Recover(message, sigHex string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("%w: invalid recovery id", ErrBadSignature)
	}
	pub, err := crypto.SigToPub(TextHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify checks that sigHex is address's signature over message.
func Verify(address, message, sigHex string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: malformed address", ErrAddressMismatch)
	}
	signer, err := Recover(message, sigHex)
	if err != nil {
		return err
	}
	if common.HexToAddress(address) != common.HexToAddress(signer) {
		return ErrAddressMismatch
	}
	return nil
}
