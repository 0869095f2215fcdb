package client

import (
	"context"
	"testing"

	"github.com/marmot-im/marmot-go/internal/codec/giftwrap"
	"github.com/marmot-im/marmot-go/internal/codec/groupmetadata"
	kpcodec "github.com/marmot-im/marmot-go/internal/codec/keypackage"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/mlsprovider/memprovider"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/marmot-im/marmot-go/internal/network/wsharness"
	"github.com/marmot-im/marmot-go/internal/runtime"
	"github.com/marmot-im/marmot-go/internal/signerimpl"
	"github.com/marmot-im/marmot-go/internal/store/groupstate/memstore"
	"github.com/marmot-im/marmot-go/internal/store/history"
	historymem "github.com/marmot-im/marmot-go/internal/store/history/memstore"
	kpmem "github.com/marmot-im/marmot-go/internal/store/keypackage/memstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func memHistoryFactory() HistoryStoreFactory {
	return func(groupID [32]byte) (history.Store, error) {
		return historymem.New(), nil
	}
}

// newTestClient builds a Client over fresh in-memory stores and an
// in-process wsharness network client. It returns the raw private key
// alongside the Client because gift-wrap unwrapping (outside the Signer
// boundary, I3) needs it directly in these tests.
func newTestClient(t *testing.T, relayURL string) (c *Client, privHex, pubHex string) {
	t.Helper()
	privHex = nostr.GeneratePrivateKey()
	signer := signerimpl.New(privHex)
	pubHex, err := signer.GetPublicKey()
	require.NoError(t, err)

	c = New(
		signer,
		memprovider.New(),
		memstore.New(),
		kpmem.New(),
		memHistoryFactory(),
		wsharness.NewClient(),
		[]string{relayURL},
	)
	return c, privHex, pubHex
}

func TestCreateGroupPersistsAndIsCacheFirst(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()

	c, _, pubHex := newTestClient(t, relay.URL())

	rt, groupID, err := c.CreateGroup(ctx, "book club", CreateGroupOpts{})
	require.NoError(t, err)
	require.NotNil(t, rt)

	snapshot, ok, err := c.groupStore.Get(ctx, groupID[:])
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, snapshot)

	data, err := groupmetadata.Decode(rt.State().Extensions()[groupmetadata.ExtensionType])
	require.NoError(t, err)
	require.Contains(t, data.AdminPubkeys, pubHex)

	rt2, err := c.GetGroup(ctx, groupID)
	require.NoError(t, err)
	require.Same(t, rt, rt2)
}

func TestGetGroupLoadsFromStoreOnCacheMiss(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()

	c, _, _ := newTestClient(t, relay.URL())
	rt, groupID, err := c.CreateGroup(ctx, "reload me", CreateGroupOpts{})
	require.NoError(t, err)

	c.mu.Lock()
	delete(c.runtimes, groupID)
	c.mu.Unlock()

	reloaded, err := c.GetGroup(ctx, groupID)
	require.NoError(t, err)
	require.NotSame(t, rt, reloaded)
	require.Equal(t, rt.State().Epoch(), reloaded.State().Epoch())
}

func TestGetGroupNotFound(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()

	c, _, _ := newTestClient(t, relay.URL())
	var missing [32]byte
	_, err := c.GetGroup(ctx, missing)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.GroupNotFound, kind)
}

// TestCreateGroupInviteJoinFromWelcome drives the façade's createGroup,
// publishKeyPackage, and joinGroupFromWelcome operations together, the way
// a host application would: A creates a group, B publishes a key package,
// A invites B via its runtime's Commit, and B joins from the unwrapped
// welcome rumor.
func TestCreateGroupInviteJoinFromWelcome(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()
	relays := []string{relay.URL()}

	inviter, _, inviterPub := newTestClient(t, relay.URL())
	invitee, inviteePriv, inviteePub := newTestClient(t, relay.URL())

	rt, groupID, err := inviter.CreateGroup(ctx, "invite test", CreateGroupOpts{
		AdminPubkeys: []string{inviterPub},
		Relays:       relays,
	})
	require.NoError(t, err)

	kpEvt, err := invitee.PublishKeyPackage(ctx, kpcodec.BuildOpts{Relays: relays})
	require.NoError(t, err)

	fetched, err := inviter.net.Request(ctx, relays, network.Filter{Kinds: []int{kpcodec.Kind}})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, kpEvt.ID, fetched[0].ID)

	tlsBytes, err := kpcodec.Parse(fetched[0])
	require.NoError(t, err)
	invitedPub, err := inviter.provider.ParseKeyPackage(tlsBytes)
	require.NoError(t, err)
	invitedPubHex, ok := invitedPub.Credential.NostrPubkeyHex()
	require.True(t, ok)
	require.Equal(t, inviteePub, invitedPubHex)

	err = rt.Commit(ctx, runtime.CommitOptions{
		CallerPubkeyHex:    inviterPub,
		Proposals:          []mlsprovider.ProposalDesc{{Kind: mlsprovider.ProposeAdd, KeyPackage: &invitedPub}},
		KeyPackageEventIDs: map[[32]byte]string{invitedPub.Ref: fetched[0].ID},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rt.State().Epoch())

	giftWraps, err := invitee.net.Request(ctx, relays, network.Filter{Kinds: []int{giftwrap.Kind}})
	require.NoError(t, err)
	require.Len(t, giftWraps, 1)
	welcomeRumor, err := giftwrap.Open(giftWraps[0], inviteePriv)
	require.NoError(t, err)

	joinedRT, joinedGroupID, err := invitee.JoinGroupFromWelcome(ctx, welcomeRumor)
	require.NoError(t, err)
	require.Equal(t, groupID, joinedGroupID)
	require.Equal(t, uint64(2), joinedRT.State().Epoch())
}

func TestJoinGroupFromWelcomeNoCandidatesIsUnmatched(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()

	invitee, _, _ := newTestClient(t, relay.URL())

	rumorEvt := nostr.Event{Kind: 444, Tags: nostr.Tags{{"e", "deadbeef"}}, Content: ""}
	_, _, err := invitee.JoinGroupFromWelcome(ctx, rumorEvt)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.WelcomeUnmatched, kind)
}

func TestLoadAllGroupsAndDestroyGroup(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()

	c, _, _ := newTestClient(t, relay.URL())
	_, groupA, err := c.CreateGroup(ctx, "a", CreateGroupOpts{})
	require.NoError(t, err)
	_, groupB, err := c.CreateGroup(ctx, "b", CreateGroupOpts{})
	require.NoError(t, err)

	c.mu.Lock()
	c.runtimes = make(map[[32]byte]*runtime.Runtime)
	c.mu.Unlock()

	rts, err := c.LoadAllGroups(ctx)
	require.NoError(t, err)
	require.Len(t, rts, 2)

	require.NoError(t, c.DestroyGroup(ctx, groupA))
	_, err = c.GetGroup(ctx, groupA)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.GroupNotFound, kind)

	_, err = c.GetGroup(ctx, groupB)
	require.NoError(t, err)
}

func TestPublishAndRevokeKeyPackage(t *testing.T) {
	relay := wsharness.NewRelay()
	defer relay.Close()
	ctx := context.Background()
	relays := []string{relay.URL()}

	c, _, _ := newTestClient(t, relay.URL())
	evt, err := c.PublishKeyPackage(ctx, kpcodec.BuildOpts{Relays: relays})
	require.NoError(t, err)

	tlsBytes, err := kpcodec.Parse(evt)
	require.NoError(t, err)
	pub, err := c.provider.ParseKeyPackage(tlsBytes)
	require.NoError(t, err)

	_, ok, err := c.kpStore.Get(ctx, pub.Ref)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.RevokeKeyPackage(ctx, pub.Ref, evt.ID))

	_, ok, err = c.kpStore.Get(ctx, pub.Ref)
	require.NoError(t, err)
	require.False(t, ok)

	deleteEvts, err := c.net.Request(ctx, relays, network.Filter{Kinds: []int{5}})
	require.NoError(t, err)
	require.Len(t, deleteEvts, 1)
	eTag := deleteEvts[0].Tags.GetFirst([]string{"e"})
	require.NotNil(t, eTag)
	require.Equal(t, evt.ID, (*eTag)[1])
}
