package giftwrap

import (
	"testing"

	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestWrapOpenRoundTrip(t *testing.T) {
	recipientPriv := nostr.GeneratePrivateKey()
	recipientPub, err := nostr.GetPublicKey(recipientPriv)
	require.NoError(t, err)

	inner := nostr.Event{
		Kind:      444,
		CreatedAt: 1000,
		Tags:      nostr.Tags{{"e", "deadbeef"}},
		Content:   "d2VsY29tZQ==",
	}

	wrapped, err := Wrap(inner, recipientPub)
	require.NoError(t, err)
	require.Equal(t, Kind, wrapped.Kind)
	sigOK, err := wrapped.CheckSignature()
	require.NoError(t, err)
	require.True(t, sigOK)
	require.NotEqual(t, recipientPub, wrapped.PubKey, "wrapper must use an ephemeral key, never the real sender identity")

	got, err := Open(wrapped, recipientPriv)
	require.NoError(t, err)
	require.Equal(t, inner.Kind, got.Kind)
	require.Equal(t, inner.Content, got.Content)
	require.Equal(t, inner.CreatedAt, got.CreatedAt)
}

func TestOpenRejectsWrongKind(t *testing.T) {
	recipientPriv := nostr.GeneratePrivateKey()
	evt := nostr.Event{Kind: 1, Content: "x"}
	_, err := Open(evt, recipientPriv)
	require.Error(t, err)
}

func TestOpenFailsForWrongRecipient(t *testing.T) {
	recipientPriv := nostr.GeneratePrivateKey()
	recipientPub, err := nostr.GetPublicKey(recipientPriv)
	require.NoError(t, err)
	otherPriv := nostr.GeneratePrivateKey()

	inner := nostr.Event{Kind: 444, Content: "ct"}
	wrapped, err := Wrap(inner, recipientPub)
	require.NoError(t, err)

	_, err = Open(wrapped, otherPriv)
	require.Error(t, err)
}

func TestWrapProducesSerializableRumor(t *testing.T) {
	recipientPriv := nostr.GeneratePrivateKey()
	recipientPub, err := nostr.GetPublicKey(recipientPriv)
	require.NoError(t, err)

	inner := nostr.Event{Kind: 444, Content: "hello"}
	wrapped, err := Wrap(inner, recipientPub)
	require.NoError(t, err)

	got, err := Open(wrapped, recipientPriv)
	require.NoError(t, err)
	_, err = rumor.Serialize(got)
	require.NoError(t, err)
}
