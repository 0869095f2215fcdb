package signerimpl

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestSignEventBindsPubkeyAndVerifies(t *testing.T) {
	s := Generate()
	pub, err := s.GetPublicKey()
	require.NoError(t, err)

	signed, err := s.SignEvent(nostr.Event{Kind: 445, Content: "x"})
	require.NoError(t, err)
	require.Equal(t, pub, signed.PubKey)

	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}
