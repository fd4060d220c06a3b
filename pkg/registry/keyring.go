package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-source signing keys from a master secret and
// signs/verifies whole registry documents. Content signatures on
// individual entries (sha256) cover tamper-evidence; the keyring covers
// publisher authenticity for local and community registry files.
type Keyring struct {
	master []byte
}

// NewKeyring creates a keyring over the given master secret.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("keyring: master secret too short")
	}
	return &Keyring{master: append([]byte(nil), master...)}, nil
}

// deriveKey derives the ed25519 keypair for a source label.
func (k *Keyring) deriveKey(source Source) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, k.master, []byte("failcore.registry"), []byte(source))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("keyring: derive %s: %w", source, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// SignDocument signs raw registry bytes for a source, returning
// "ed25519:<hex>".
func (k *Keyring) SignDocument(source Source, doc []byte) (string, error) {
	_, priv, err := k.deriveKey(source)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, doc)
	return "ed25519:" + hex.EncodeToString(sig), nil
}

// VerifyDocument checks a document signature produced by SignDocument.
func (k *Keyring) VerifyDocument(source Source, doc []byte, signature string) error {
	pub, _, err := k.deriveKey(source)
	if err != nil {
		return err
	}
	const prefix = "ed25519:"
	if len(signature) <= len(prefix) || signature[:len(prefix)] != prefix {
		return fmt.Errorf("keyring: malformed signature")
	}
	raw, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return fmt.Errorf("keyring: malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, doc, raw) {
		return fmt.Errorf("%w: document from %s", ErrSignatureInvalid, source)
	}
	return nil
}
