// Package envelope builds and parses the outer transport events (kind=445,
// E7): a symmetric AEAD over the TLS-encoded MLS message, keyed from the
// current epoch's MLS exporter secret and bound to the group's routing id.
package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmot-im/marmot-go/internal/cryptographic/encryption"
	"github.com/marmot-im/marmot-go/internal/cryptographic/kdf"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/nbd-wtf/go-nostr"
)

// Kind is the Nostr event kind carrying a group envelope.
const Kind = 445

// exporterLabel is the MLS exporter label this library reserves for
// deriving the transport conversation key.
const exporterLabel = "nostr"
const exporterLen = 32

// ExporterSource supplies the exporter secret for a given epoch, so the
// decrypt path can retry adjacent epochs within a bounded retention window.
type ExporterSource interface {
	ExporterSecret(epoch uint64) ([]byte, bool)
}

// Window is a small ring of retained per-epoch exporter secrets, the
// concrete ExporterSource the runtime feeds as epochs advance.
type Window struct {
	size    int
	secrets map[uint64][]byte
	order   []uint64
}

// NewWindow creates a Window retaining at most size epochs' secrets.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, secrets: make(map[uint64][]byte)}
}

// Put records the exporter secret for an epoch, evicting the oldest epoch
// if the window is full.
func (w *Window) Put(epoch uint64, secret []byte) {
	if _, exists := w.secrets[epoch]; !exists {
		w.order = append(w.order, epoch)
	}
	w.secrets[epoch] = secret
	for len(w.order) > w.size {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.secrets, oldest)
	}
}

// ExporterSecret implements ExporterSource.
func (w *Window) ExporterSecret(epoch uint64) ([]byte, bool) {
	s, ok := w.secrets[epoch]
	return s, ok
}

// Epochs returns the retained epochs, most-recently-put last.
func (w *Window) Epochs() []uint64 { return append([]uint64{}, w.order...) }

func conversationKey(exporterSecret []byte, nostrGroupID [32]byte) ([]byte, error) {
	buf := make([]byte, exporterLen)
	if _, err := kdf.HKDF(exporterSecret, nostrGroupID[:], []byte("marmot-envelope-key"), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Seal builds a signed kind=445 event wrapping mlsMessage under the given
// epoch, using a fresh ephemeral signing key never reused across events.
func Seal(win ExporterSource, epoch uint64, nostrGroupID [32]byte, mlsMessage []byte) (nostr.Event, error) {
	exporterSecret, ok := win.ExporterSecret(epoch)
	if !ok {
		return nostr.Event{}, errs.New(errs.EpochMismatch, fmt.Sprintf("no retained exporter secret for epoch %d", epoch))
	}
	key, err := conversationKey(exporterSecret, nostrGroupID)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "derive conversation key", err)
	}

	ct, err := encryption.AEADEncrypt(key, mlsMessage, nostrGroupID[:])
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.DecryptFailed, "seal mls message", err)
	}

	ephemeralPriv := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeralPriv)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "derive ephemeral pubkey", err)
	}

	evt := nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      Kind,
		Tags:      nostr.Tags{nostr.Tag{"h", hex.EncodeToString(nostrGroupID[:])}},
		Content:   base64.StdEncoding.EncodeToString(ct),
	}
	if err := evt.Sign(ephemeralPriv); err != nil {
		return nostr.Event{}, errs.Wrap(errs.MalformedEnvelope, "sign envelope", err)
	}
	return evt, nil
}

// Open parses and decrypts a kind=445 event, returning the inner MLS
// message bytes and the epoch that successfully decrypted it. It tries the
// current epoch first, then adjacent epochs within the retained window.
func Open(win ExporterSource, currentEpoch uint64, evt nostr.Event) ([]byte, uint64, error) {
	if evt.Kind != Kind {
		return nil, 0, errs.New(errs.WrongKind, fmt.Sprintf("expected kind %d, got %d", Kind, evt.Kind))
	}
	hTag := evt.Tags.GetFirst([]string{"h"})
	if hTag == nil || len(*hTag) < 2 {
		return nil, 0, errs.New(errs.MissingRoutingTag, "event missing h tag")
	}
	nostrGroupID, err := hex.DecodeString((*hTag)[1])
	if err != nil || len(nostrGroupID) != 32 {
		return nil, 0, errs.New(errs.MalformedEnvelope, "h tag is not a 32-byte hex id")
	}

	ct, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nil, 0, errs.Wrap(errs.MalformedEnvelope, "decode envelope content", err)
	}

	for _, epoch := range candidateEpochs(win, currentEpoch) {
		exporterSecret, ok := win.ExporterSecret(epoch)
		if !ok {
			continue
		}
		key, err := conversationKey(exporterSecret, [32]byte(nostrGroupID))
		if err != nil {
			continue
		}
		plain, err := encryption.AEADDecrypt(key, ct, nostrGroupID)
		if err == nil {
			return plain, epoch, nil
		}
	}
	return nil, 0, errs.New(errs.DecryptFailed, "no retained epoch could decrypt this event")
}

func candidateEpochs(win ExporterSource, current uint64) []uint64 {
	order := []uint64{current}
	for i := uint64(1); i <= current; i++ {
		if current >= i {
			order = append(order, current-i)
		}
		order = append(order, current+i)
	}
	// de-dup while preserving priority order (current, then closest neighbors).
	seen := map[uint64]bool{}
	out := make([]uint64, 0, len(order))
	for _, e := range order {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
