// Package signerimpl implements I3: a Nostr Schnorr-over-secp256k1 signer.
// Signing and public-key derivation go through this boundary; giftwrap.Open
// is the one library call that takes a raw private key directly.
package signerimpl

import (
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/nbd-wtf/go-nostr"
)

// Signer is I3: the identity key operations the library needs from its
// host application.
type Signer interface {
	GetPublicKey() (string, error)
	SignEvent(unsigned nostr.Event) (nostr.Event, error)
}

// NostrSigner wraps a raw secp256k1 private key.
type NostrSigner struct {
	privKeyHex string
}

// New wraps an existing hex-encoded private key.
func New(privKeyHex string) *NostrSigner {
	return &NostrSigner{privKeyHex: privKeyHex}
}

// Generate creates a fresh identity key, for demos and tests.
func Generate() *NostrSigner {
	return &NostrSigner{privKeyHex: nostr.GeneratePrivateKey()}
}

var _ Signer = (*NostrSigner)(nil)

func (s *NostrSigner) GetPublicKey() (string, error) {
	pub, err := nostr.GetPublicKey(s.privKeyHex)
	if err != nil {
		return "", errs.Wrap(errs.InvalidPubkey, "derive public key", err)
	}
	return pub, nil
}

func (s *NostrSigner) SignEvent(unsigned nostr.Event) (nostr.Event, error) {
	evt := unsigned
	pub, err := s.GetPublicKey()
	if err != nil {
		return nostr.Event{}, err
	}
	evt.PubKey = pub
	if err := evt.Sign(s.privKeyHex); err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "sign event", err)
	}
	return evt, nil
}
