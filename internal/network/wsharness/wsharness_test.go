package wsharness

import (
	"context"
	"testing"
	"time"

	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestPublishThenRequestRoundTrip(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	client := NewClient()
	ctx := context.Background()

	evt := nostr.Event{ID: "abc123", Kind: 445, Tags: nostr.Tags{{"h", "deadbeef"}}, Content: "ct"}
	receipts, err := client.Publish(ctx, []string{relay.URL()}, evt)
	require.NoError(t, err)
	require.True(t, receipts[relay.URL()].OK)

	got, err := client.Request(ctx, []string{relay.URL()}, network.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "abc123", got[0].ID)
}

func TestSubscribeReceivesLivePublish(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, stop, err := client.Subscribe(ctx, []string{relay.URL()}, network.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	defer stop()

	time.Sleep(50 * time.Millisecond) // let REQ land before the publish

	evt := nostr.Event{ID: "live1", Kind: 445, Tags: nostr.Tags{{"h", "deadbeef"}}}
	_, err = client.Publish(ctx, []string{relay.URL()}, evt)
	require.NoError(t, err)

	select {
	case got := <-stream:
		require.Equal(t, "live1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}
