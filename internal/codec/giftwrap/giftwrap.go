// Package giftwrap builds and opens the sender-anonymizing kind=1059
// envelope Welcome rumors are delivered through: an ephemeral-keyed ECDH
// shared secret over secp256k1 (the same curve go-nostr identities already
// use), HKDF-expanded into an AEAD key the same way the envelope codec
// derives its transport key.
package giftwrap

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/cryptographic/encryption"
	"github.com/marmot-im/marmot-go/internal/cryptographic/kdf"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/nbd-wtf/go-nostr"
)

// Kind is the Nostr event kind of a gift-wrap.
const Kind = 1059

const aeadKeyLen = 32

func deriveKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	buf := make([]byte, aeadKeyLen)
	salt := append(append([]byte{}, ephemeralPub...), recipientPub...)
	if _, err := kdf.HKDF(shared, salt, []byte("marmot-giftwrap"), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Wrap seals inner (a rumor, typically a welcome.Build result) for
// recipientPubkeyHex, addressed with tag p. The wrapper's pubkey is a fresh
// ephemeral key, never the real sender identity.
func Wrap(inner nostr.Event, recipientPubkeyHex string) (nostr.Event, error) {
	payload, err := rumor.Serialize(inner)
	if err != nil {
		return nostr.Event{}, err
	}

	recipientPubBytes, err := hex.DecodeString(recipientPubkeyHex)
	if err != nil || len(recipientPubBytes) != 32 {
		return nostr.Event{}, errs.New(errs.InvalidPubkey, "recipient pubkey is not 32-byte hex")
	}
	recipientPub, err := schnorr.ParsePubKey(recipientPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.InvalidPubkey, "parse recipient pubkey", err)
	}

	ephemeralPrivHex := nostr.GeneratePrivateKey()
	ephemeralPrivBytes, err := hex.DecodeString(ephemeralPrivHex)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "decode ephemeral private key", err)
	}
	ephemeralPriv := secp256k1.PrivKeyFromBytes(ephemeralPrivBytes)
	ephemeralPub, err := nostr.GetPublicKey(ephemeralPrivHex)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "derive ephemeral pubkey", err)
	}
	ephemeralPubBytes, err := hex.DecodeString(ephemeralPub)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "decode ephemeral pubkey", err)
	}

	shared := secp256k1.GenerateSharedSecret(ephemeralPriv, recipientPub)
	// salt uses the same 32-byte x-only encoding on both sides; Open derives
	// the identical salt from evt.PubKey (=ephemeralPub) and its own pubkey.
	key, err := deriveKey(shared, ephemeralPubBytes, recipientPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "derive gift-wrap key", err)
	}

	ct, err := encryption.AEADEncrypt(key, payload, recipientPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "seal gift-wrap", err)
	}

	evt := nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      Kind,
		Tags:      nostr.Tags{{"p", recipientPubkeyHex}},
		Content:   base64.StdEncoding.EncodeToString(ct),
	}
	if err := evt.Sign(ephemeralPrivHex); err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "sign gift-wrap", err)
	}
	return evt, nil
}

// Open decrypts a gift-wrap addressed to recipientPrivHex, returning the
// inner rumor.
func Open(evt nostr.Event, recipientPrivHex string) (nostr.Event, error) {
	if evt.Kind != Kind {
		return nostr.Event{}, errs.New(errs.WrongKind, fmt.Sprintf("expected kind %d, got %d", Kind, evt.Kind))
	}
	senderPubBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil || len(senderPubBytes) != 32 {
		return nostr.Event{}, errs.New(errs.MalformedEnvelope, "gift-wrap pubkey is not 32-byte hex")
	}
	senderPub, err := schnorr.ParsePubKey(senderPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "parse gift-wrap sender pubkey", err)
	}

	recipientPrivBytes, err := hex.DecodeString(recipientPrivHex)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "decode recipient private key", err)
	}
	recipientPriv := secp256k1.PrivKeyFromBytes(recipientPrivBytes)
	recipientPub, err := nostr.GetPublicKey(recipientPrivHex)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "derive recipient pubkey", err)
	}
	recipientPubBytes, _ := hex.DecodeString(recipientPub)

	shared := secp256k1.GenerateSharedSecret(recipientPriv, senderPub)
	// salt order must match Wrap's (ephemeralPub=senderPub, recipientPub).
	key, err := deriveKey(shared, senderPubBytes, recipientPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "derive gift-wrap key", err)
	}

	ct, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "decode gift-wrap content", err)
	}
	plain, err := encryption.AEADDecrypt(key, ct, recipientPubBytes)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "open gift-wrap", err)
	}

	inner, err := rumor.Deserialize(plain)
	if err != nil {
		return nostr.Event{}, err
	}
	return inner, nil
}
