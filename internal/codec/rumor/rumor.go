// Package rumor serializes and deserializes the unsigned inner event ("rumor",
// E1/E6) carried as an MLS application payload or inside a gift-wrap.
package rumor

import (
	"encoding/json"

	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/nbd-wtf/go-nostr"
)

// Rumor is an unsigned Nostr-shaped event: every E1 field except Sig.
type Rumor = nostr.Event

// Serialize returns the canonical JSON of r with Sig removed. It fails if
// the caller populated Sig — rumors are never signed.
func Serialize(r Rumor) ([]byte, error) {
	if r.Sig != "" {
		return nil, errs.New(errs.EncodingMismatch, "rumor must not carry a signature")
	}
	if r.ID == "" {
		r.ID = r.GetID()
	}
	r.Sig = ""
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "marshal rumor", err)
	}
	return b, nil
}

// Deserialize parses bytes into a Rumor and verifies that the embedded id
// matches the hash of the rumor's canonical form, rejecting on mismatch.
func Deserialize(b []byte) (Rumor, error) {
	var r Rumor
	if err := json.Unmarshal(b, &r); err != nil {
		return Rumor{}, errs.Wrap(errs.DecodeFailed, "unmarshal rumor", err)
	}
	if r.Sig != "" {
		return Rumor{}, errs.New(errs.EncodingMismatch, "rumor must not carry a signature")
	}
	want := r.GetID()
	if r.ID != want {
		return Rumor{}, errs.New(errs.DecodeFailed, "rumor id does not match canonical hash")
	}
	// Rebuild from the exported fields only, so a round-tripped rumor compares
	// equal to the one that was serialized.
	return Rumor{ID: r.ID, PubKey: r.PubKey, CreatedAt: r.CreatedAt, Kind: r.Kind, Tags: r.Tags, Content: r.Content}, nil
}
