// Package welcome builds and parses kind=444 rumors carrying an MLS
// Welcome: unsigned, gift-wrapped for transport, referencing the
// key-package event it is addressed to and the group's relay hints.
package welcome

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/nbd-wtf/go-nostr"
)

// Kind is the Nostr event kind of a welcome rumor. It is never signed.
const Kind = 444

type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingHex Encoding = "hex"
)

// Build constructs an unsigned welcome rumor. keyPackageEventID is the id of
// the kind=443 event the welcome is addressed to.
func Build(w mlsprovider.Welcome, keyPackageEventID string, relays []string) (nostr.Event, error) {
	if keyPackageEventID == "" {
		return nostr.Event{}, errs.New(errs.DecodeFailed, "welcome requires a key-package event id")
	}
	tags := nostr.Tags{
		{"e", keyPackageEventID},
		{"encoding", string(EncodingBase64)},
	}
	for _, r := range relays {
		tags = append(tags, nostr.Tag{"relays", r})
	}
	rumorEvt := nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind: Kind,
		Tags: tags,
		Content: base64.StdEncoding.EncodeToString(w.TLSBytes),
	}
	rumorEvt.ID = rumorEvt.GetID()
	return rumorEvt, nil
}

// Parse extracts the Welcome bytes and the key-package event id a welcome
// rumor is addressed to.
func Parse(evt nostr.Event) (mlsprovider.Welcome, string, error) {
	if evt.Kind != Kind {
		return mlsprovider.Welcome{}, "", errs.New(errs.DecodeFailed, fmt.Sprintf("expected kind %d, got %d", Kind, evt.Kind))
	}
	if evt.Sig != "" {
		return mlsprovider.Welcome{}, "", errs.New(errs.EncodingMismatch, "welcome rumor must not be signed")
	}

	eTag := evt.Tags.GetFirst([]string{"e"})
	if eTag == nil || len(*eTag) < 2 {
		return mlsprovider.Welcome{}, "", errs.New(errs.DecodeFailed, "welcome rumor missing e tag")
	}
	kpEventID := (*eTag)[1]

	enc := EncodingHex
	if t := evt.Tags.GetFirst([]string{"encoding"}); t != nil && len(*t) >= 2 {
		enc = Encoding((*t)[1])
	}

	var raw []byte
	var err error
	switch enc {
	case EncodingBase64:
		raw, err = base64.StdEncoding.DecodeString(evt.Content)
	case EncodingHex:
		raw, err = hex.DecodeString(evt.Content)
	default:
		return mlsprovider.Welcome{}, "", errs.New(errs.EncodingMismatch, fmt.Sprintf("unsupported encoding tag %q", enc))
	}
	if err != nil {
		return mlsprovider.Welcome{}, "", errs.Wrap(errs.DecodeFailed, "decode welcome content", err)
	}

	return mlsprovider.Welcome{TLSBytes: raw}, kpEventID, nil
}

// Relays extracts the group's advertised relay hints from a welcome rumor.
func Relays(evt nostr.Event) []string {
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "relays" {
			out = append(out, tag[1])
		}
	}
	return out
}
