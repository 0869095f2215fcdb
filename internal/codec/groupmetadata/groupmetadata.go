// Package groupmetadata encodes and decodes the Marmot group data
// extension: the group-scoped MLS extension naming the group's routing id,
// admin set, relays, and optional image triple.
package groupmetadata

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/marmot-im/marmot-go/internal/errs"
)

// ExtensionType is the MLS group-context extension type id this data is
// carried under.
const ExtensionType uint16 = 0xF2EE

const version uint16 = 1

// pubkeyHexLen is the length of a lowercase-hex-encoded 32-byte Nostr pubkey.
const pubkeyHexLen = 64

// imageHashLen, imageKeyLen and imageNonceLen are the fixed lengths MIP-01
// specifies per image field when present: hash(32), key(32), nonce(12).
const (
	imageHashLen = 32
	imageKeyLen = 32
	imageNonceLen = 12
)

// Image holds the optional encrypted group-image triple. A nil *Image means
// "no image", distinct from an Image whose fields are all zero bytes.
type Image struct {
	Hash [imageHashLen]byte
	Key [imageKeyLen]byte
	Nonce [imageNonceLen]byte
}

// Data is the decoded Marmot group data extension.
type Data struct {
	NostrGroupID [32]byte
	Name string
	Description string
	AdminPubkeys []string // lowercase hex, 64 chars each
	Relays []string // wss:// or ws://
	Image *Image
}

// Encode serializes g into the extension's length-prefixed binary form.
func Encode(g Data) ([]byte, error) {
	if len(g.AdminPubkeys) == 0 {
		return nil, errs.New(errs.MalformedExtension, "admin_pubkeys must be non-empty")
	}
	for _, pk := range g.AdminPubkeys {
		if !isLowercaseHex(pk, pubkeyHexLen) {
			return nil, errs.New(errs.InvalidPubkey, fmt.Sprintf("admin pubkey %q is not 64-char lowercase hex", pk))
		}
	}
	for _, r := range g.Relays {
		if !isRelayURL(r) {
			return nil, errs.New(errs.InvalidRelayURL, fmt.Sprintf("relay %q is not a ws(s):// url", r))
		}
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, version)
	buf.Write(g.NostrGroupID[:])

	writeString16(&buf, g.Name)
	writeString16(&buf, g.Description)

	_ = binary.Write(&buf, binary.BigEndian, uint16(len(g.AdminPubkeys)))
	for _, pk := range g.AdminPubkeys {
		raw, _ := hex.DecodeString(pk)
		buf.Write(raw)
	}

	_ = binary.Write(&buf, binary.BigEndian, uint16(len(g.Relays)))
	for _, r := range g.Relays {
		writeString16(&buf, r)
	}

	if g.Image == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(g.Image.Hash[:])
		buf.Write(g.Image.Key[:])
		buf.Write(g.Image.Nonce[:])
	}

	return buf.Bytes(), nil
}

// Decode parses the extension's binary form. It is robust to slices that
// were re-sliced out of a parent buffer (no assumption that input starts at
// offset 0 of its backing array — we only ever read forward through a
// bytes.Reader, never via unsafe reinterpretation).
func Decode(b []byte) (Data, error) {
	r := bytes.NewReader(b)

	var v uint16
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated version", err)
	}
	if v != version {
		return Data{}, errs.New(errs.DecodeFailed, fmt.Sprintf("unsupported extension version %d", v))
	}

	var g Data
	if _, err := readFull(r, g.NostrGroupID[:]); err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated nostr_group_id", err)
	}

	name, err := readString16(r)
	if err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated name", err)
	}
	g.Name = name

	desc, err := readString16(r)
	if err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated description", err)
	}
	g.Description = desc

	var adminCount uint16
	if err := binary.Read(r, binary.BigEndian, &adminCount); err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated admin count", err)
	}
	g.AdminPubkeys = make([]string, 0, adminCount)
	for i := 0; i < int(adminCount); i++ {
		raw := make([]byte, 32)
		if _, err := readFull(r, raw); err != nil {
			return Data{}, errs.Wrap(errs.DecodeFailed, "truncated admin pubkey", err)
		}
		g.AdminPubkeys = append(g.AdminPubkeys, hex.EncodeToString(raw))
	}

	var relayCount uint16
	if err := binary.Read(r, binary.BigEndian, &relayCount); err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated relay count", err)
	}
	if relayCount > 0 {
		g.Relays = make([]string, 0, relayCount)
	}
	for i := 0; i < int(relayCount); i++ {
		relay, err := readString16(r)
		if err != nil {
			return Data{}, errs.Wrap(errs.DecodeFailed, "truncated relay", err)
		}
		if !isRelayURL(relay) {
			return Data{}, errs.New(errs.InvalidRelayURL, fmt.Sprintf("relay %q is not a ws(s):// url", relay))
		}
		g.Relays = append(g.Relays, relay)
	}

	hasImage, err := r.ReadByte()
	if err != nil {
		return Data{}, errs.Wrap(errs.DecodeFailed, "truncated image marker", err)
	}
	switch hasImage {
	case 0:
		g.Image = nil
	case 1:
		var img Image
		if _, err := readFull(r, img.Hash[:]); err != nil {
			return Data{}, errs.Wrap(errs.DecodeFailed, "truncated image hash", err)
		}
		if _, err := readFull(r, img.Key[:]); err != nil {
			return Data{}, errs.Wrap(errs.DecodeFailed, "truncated image key", err)
		}
		if _, err := readFull(r, img.Nonce[:]); err != nil {
			return Data{}, errs.Wrap(errs.DecodeFailed, "truncated image nonce", err)
		}
		g.Image = &img
	default:
		return Data{}, errs.New(errs.DecodeFailed, "invalid image marker byte")
	}

	if r.Len() != 0 {
		return Data{}, errs.New(errs.DecodeFailed, "trailing bytes after extension")
	}

	for _, pk := range g.AdminPubkeys {
		if !isLowercaseHex(pk, pubkeyHexLen) {
			return Data{}, errs.New(errs.InvalidPubkey, "admin pubkey failed hex validation")
		}
	}

	return g, nil
}

func writeString16(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := readFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	if r.Len() < len(dst) {
		return 0, fmt.Errorf("need %d bytes, have %d", len(dst), r.Len())
	}
	return r.Read(dst)
}

func isLowercaseHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func isRelayURL(s string) bool {
	return strings.HasPrefix(s, "wss://") || strings.HasPrefix(s, "ws://")
}
