package keypackage

import (
	"testing"

	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const testPubkeyHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testPublic() mlsprovider.KeyPackagePublic {
	return mlsprovider.KeyPackagePublic{
		TLSBytes:   []byte("tls-encoded-key-package"),
		Credential: mlsprovider.Credential{Identity: []byte(testPubkeyHex)},
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	evt, err := Build(testPubkeyHex, testPublic(), BuildOpts{Relays: []string{"wss://relay.example"}})
	require.NoError(t, err)
	require.Equal(t, Kind, evt.Kind)
	require.Equal(t, testPubkeyHex, evt.PubKey)

	raw, err := Parse(evt)
	require.NoError(t, err)
	require.Equal(t, []byte("tls-encoded-key-package"), raw)
}

func TestBuildRejectsCredentialMismatch(t *testing.T) {
	_, err := Build("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", testPublic(), BuildOpts{})
	require.Error(t, err)
}

func TestParseDefaultsToHexWithoutEncodingTag(t *testing.T) {
	evt, err := Build(testPubkeyHex, testPublic(), BuildOpts{Encoding: EncodingHex})
	require.NoError(t, err)

	// strip the encoding tag to simulate a legacy producer.
	var kept nostr.Tags
	for _, tag := range evt.Tags {
		if len(tag) > 0 && tag[0] == "encoding" {
			continue
		}
		kept = append(kept, tag)
	}
	evt.Tags = kept

	raw, err := Parse(evt)
	require.NoError(t, err)
	require.Equal(t, []byte("tls-encoded-key-package"), raw)
}

func TestParseRejectsWrongKind(t *testing.T) {
	evt, err := Build(testPubkeyHex, testPublic(), BuildOpts{})
	require.NoError(t, err)
	evt.Kind = 1
	_, err = Parse(evt)
	require.Error(t, err)
}
