// Package keypackage defines the local key-package store contract:
// keyed by key-package ref, holding both halves locally but only exposing
// public halves through List.
package keypackage

import (
	"context"

	"github.com/marmot-im/marmot-go/internal/mlsprovider"
)

// Entry is one stored key package, public and private halves together.
type Entry struct {
	Public mlsprovider.KeyPackagePublic
	Private mlsprovider.KeyPackagePrivate
}

// Store is the local key-package store backend.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, ref [32]byte) (Entry, bool, error)
	Remove(ctx context.Context, ref [32]byte) error
	// List returns refs and public halves only; private key material never
	// needs to leave this store to satisfy a caller's listing needs.
	List(ctx context.Context) ([]mlsprovider.KeyPackagePublic, error)
}
