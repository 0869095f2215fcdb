// Package kdf derives fixed-length subkeys from shared secrets: transport
// AEAD keys from an MLS exporter secret, and gift-wrap AEAD keys from an
// ephemeral ECDH shared point.
package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output keyed on secret, with salt and
// info binding the derivation to its caller-chosen domain and context.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}
