package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/didery/didery/internal/did"
)

var ErrInvalidKey = errors.New("invalid signing key")

// KeyToKey64u encodes a raw key or signature as padded URL-safe base64.
func KeyToKey64u(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// Key64uToKey decodes URL-safe base64 with or without padding.
func Key64uToKey(key64u string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key64u, "="))
}

func privateKey(signingKey []byte) (ed25519.PrivateKey, error) {
	switch len(signingKey) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(signingKey), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(signingKey), nil
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(signingKey))
	}
}

// Sign returns the detached Ed25519 signature of message. The caller is
// responsible for serializing message canonically.
func Sign(message, signingKey []byte) ([]byte, error) {
	sk, err := privateKey(signingKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(sk, message), nil
}

// Verify reports whether signature is a valid signature of message by
// verificationKey. Malformed input yields false.
func Verify(signature, message, verificationKey []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	if len(verificationKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(verificationKey), message, signature)
}

func Sign64u(message []byte, signingKey64u string) (string, error) {
	sk, err := Key64uToKey(signingKey64u)
	if err != nil {
		return "", fmt.Errorf("failed to decode signing key: %w", err)
	}
	sig, err := Sign(message, sk)
	if err != nil {
		return "", err
	}
	return KeyToKey64u(sig), nil
}

func Verify64u(signature64u string, message []byte, verificationKey64u string) bool {
	if signature64u == "" || verificationKey64u == "" {
		return false
	}
	sig, err := Key64uToKey(signature64u)
	if err != nil {
		return false
	}
	vk, err := Key64uToKey(verificationKey64u)
	if err != nil {
		return false
	}
	return Verify(sig, message, vk)
}

// KeyPair holds a base64 encoded Ed25519 key pair and the DID derived from it.
type KeyPair struct {
	VerificationKey string
	SigningKey      string
	Seed            string
	DID             string
}

// KeyGen creates a key pair from seed, or from a random seed when seed is nil.
func KeyGen(seed []byte, method string) (*KeyPair, error) {
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to read random seed: %w", err)
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidKey, len(seed))
	}

	sk := ed25519.NewKeyFromSeed(seed)
	vk := sk.Public().(ed25519.PublicKey)

	return &KeyPair{
		VerificationKey: KeyToKey64u(vk),
		SigningKey:      KeyToKey64u(sk),
		Seed:            KeyToKey64u(seed),
		DID:             did.Generate(vk, method),
	}, nil
}

// KeyPairFromSigningKey rebuilds the full key pair of a 64 byte signing key
// or a 32 byte seed.
func KeyPairFromSigningKey(signingKey64u, method string) (*KeyPair, error) {
	raw, err := Key64uToKey(signingKey64u)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	}
	sk, err := privateKey(raw)
	if err != nil {
		return nil, err
	}
	return KeyGen(sk.Seed(), method)
}

// History is the signed body of a key rotation history.
type History struct {
	ID      string   `json:"id"`
	Signer  int      `json:"signer"`
	Signers []string `json:"signers"`
	Changed string   `json:"changed,omitempty"`
}

// HistoryGen creates an inception history with a current and a pre-rotated
// key pair. The DID is derived from the current key.
func HistoryGen(method string) (*History, *KeyPair, *KeyPair, error) {
	current, err := KeyGen(nil, method)
	if err != nil {
		return nil, nil, nil, err
	}
	rotated, err := KeyGen(nil, method)
	if err != nil {
		return nil, nil, nil, err
	}

	history := &History{
		ID:      current.DID,
		Signer:  0,
		Signers: []string{current.VerificationKey, rotated.VerificationKey},
	}
	return history, current, rotated, nil
}
