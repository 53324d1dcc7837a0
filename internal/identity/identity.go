package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/sign"
)

var (
	// ErrUnknownPeer indicates no public key is known for the host.
	ErrUnknownPeer = errors.New("unknown peer pod")
	// ErrBadSignature indicates the payload signature did not verify.
	ErrBadSignature = errors.New("payload signature mismatch")
)

// Signer produces a detached signature over an outbound payload.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Verifier checks a detached signature against the named pod's identity.
type Verifier interface {
	Verify(ctx context.Context, host string, payload, signature []byte) error
}

// KeyProvider resolves the public signing key of a remote pod.
type KeyProvider interface {
	PublicKey(ctx context.Context, host string) (*[32]byte, error)
}

// Pod holds the local pod's signing identity.
type Pod struct {
	Host       string
	publicKey  *[32]byte
	privateKey *[64]byte
}

// NewPod generates a fresh signing keypair for the given host.
func NewPod(host string) (*Pod, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Pod{Host: host, publicKey: pub, privateKey: priv}, nil
}

// Sign returns the detached signature for the payload.
func (p *Pod) Sign(payload []byte) ([]byte, error) {
	if p == nil || p.privateKey == nil {
		return nil, errors.New("signing key unavailable")
	}
	signed := sign.Sign(nil, payload, p.privateKey)
	return signed[:sign.Overhead], nil
}

// PublicKey returns the pod's public signing key.
func (p *Pod) PublicKey() *[32]byte {
	return p.publicKey
}

// PublicKeyString returns the base64 form served to remote pods.
func (p *Pod) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(p.publicKey[:])
}

// ParsePublicKey decodes a base64 public key received from a remote pod.
func ParsePublicKey(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// PeerVerifier verifies inbound signatures using a KeyProvider.
type PeerVerifier struct {
	keys KeyProvider
}

// NewPeerVerifier constructs a Verifier on top of the provided key source.
func NewPeerVerifier(keys KeyProvider) *PeerVerifier {
	return &PeerVerifier{keys: keys}
}

// Verify resolves the host's public key and checks the detached signature.
func (v *PeerVerifier) Verify(ctx context.Context, host string, payload, signature []byte) error {
	if v == nil || v.keys == nil {
		return ErrUnknownPeer
	}
	if len(signature) != sign.Overhead {
		return ErrBadSignature
	}

	key, err := v.keys.PublicKey(ctx, host)
	if err != nil {
		return err
	}

	signed := make([]byte, 0, len(signature)+len(payload))
	signed = append(signed, signature...)
	signed = append(signed, payload...)

	if _, ok := sign.Open(nil, signed, key); !ok {
		return ErrBadSignature
	}
	return nil
}

// KeyRing is a static host-to-key map, used for tests and for pods
// configured with pinned peer keys.
type KeyRing map[string]*[32]byte

// PublicKey returns the pinned key for the host.
func (r KeyRing) PublicKey(_ context.Context, host string) (*[32]byte, error) {
	key, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, host)
	}
	return key, nil
}

var _ Signer = (*Pod)(nil)
var _ Verifier = (*PeerVerifier)(nil)
var _ KeyProvider = (KeyRing)(nil)
