package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadOrCreate restores the pod's signing identity from the key file, or
// generates and persists a fresh one on first boot. Remote pods cache our
// public key, so the private key must survive restarts.
func LoadOrCreate(host, path string) (*Pod, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return podFromPrivateKey(host, strings.TrimSpace(string(raw)))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	pod, err := NewPod(host)
	if err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(pod.privateKey[:])
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return pod, nil
}

func podFromPrivateKey(host, encoded string) (*Pod, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("private key must be 64 bytes, got %d", len(raw))
	}

	var priv [64]byte
	copy(priv[:], raw)

	// The trailing half of a nacl signing key is the public key.
	var pub [32]byte
	copy(pub[:], raw[32:])

	return &Pod{Host: host, publicKey: &pub, privateKey: &priv}, nil
}
