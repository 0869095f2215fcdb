// Package keypackage builds and parses kind=443 events carrying an MLS key
// package, enforcing the binding between the MLS credential and the
// publishing event's pubkey.
package keypackage

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/nbd-wtf/go-nostr"
)

// Kind is the Nostr event kind carrying a key package.
const Kind = 443

// Encoding is the kind=443 content's declared transport encoding.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingHex Encoding = "hex"
)

// BuildOpts controls the auxiliary tags attached to a key-package event.
type BuildOpts struct {
	Relays []string
	MLSVersion string
	CipherSuite string
	Encoding Encoding // defaults to base64
}

// Build constructs an unsigned kind=443 event for pub, asserting that the
// credential identity matches signerPubkeyHex. The caller signs it.
func Build(signerPubkeyHex string, pub mlsprovider.KeyPackagePublic, opts BuildOpts) (nostr.Event, error) {
	credPubkeyHex, ok := pub.Credential.NostrPubkeyHex()
	if !ok {
		return nostr.Event{}, errs.New(errs.UnsupportedCredentialType, "key package credential is not a basic Nostr-identity credential")
	}
	if credPubkeyHex != signerPubkeyHex {
		return nostr.Event{}, errs.New(errs.CredentialBindingMismatch, "key package credential identity does not match event signer")
	}

	enc := opts.Encoding
	if enc == "" {
		enc = EncodingBase64
	}
	var content string
	switch enc {
	case EncodingBase64:
		content = base64.StdEncoding.EncodeToString(pub.TLSBytes)
	case EncodingHex:
		content = hex.EncodeToString(pub.TLSBytes)
	default:
		return nostr.Event{}, errs.New(errs.EncodingMismatch, fmt.Sprintf("unsupported encoding %q", enc))
	}

	tags := nostr.Tags{{"encoding", string(enc)}}
	for _, r := range opts.Relays {
		tags = append(tags, nostr.Tag{"relays", r})
	}
	if opts.MLSVersion != "" {
		tags = append(tags, nostr.Tag{"mls_version", opts.MLSVersion})
	}
	if opts.CipherSuite != "" {
		tags = append(tags, nostr.Tag{"cipher_suite", opts.CipherSuite})
	}

	evt := nostr.Event{
		PubKey: signerPubkeyHex,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind: Kind,
		Tags: tags,
		Content: content,
	}
	return evt, nil
}

// Parse extracts the TLS-encoded key package bytes from a kind=443 event.
// It supports both base64 and hex content; an absent encoding tag means
// legacy hex.
func Parse(evt nostr.Event) ([]byte, error) {
	if evt.Kind != Kind {
		return nil, errs.New(errs.DecodeFailed, fmt.Sprintf("expected kind %d, got %d", Kind, evt.Kind))
	}

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
		return nil, errs.New(errs.EncodingMismatch, fmt.Sprintf("unsupported encoding tag %q", enc))
	}
	if err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "decode key package content", err)
	}
	return raw, nil
}
