// Package groupstate defines the group-state store contract: opaque
// MLS snapshot bytes in, opaque bytes out, atomic per group id.
package groupstate

import "context"

// Store persists opaque MLS snapshot bytes, keyed by group id. The library
// owns encode/decode of those bytes; backends only move them around.
type Store interface {
	Get(ctx context.Context, groupID []byte) ([]byte, bool, error)
	Set(ctx context.Context, groupID []byte, stateBytes []byte) error
	Remove(ctx context.Context, groupID []byte) error
	List(ctx context.Context) ([][]byte, error)
}
