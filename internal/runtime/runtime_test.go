package runtime

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marmot-im/marmot-go/internal/admin"
	"github.com/marmot-im/marmot-go/internal/codec/envelope"
	"github.com/marmot-im/marmot-go/internal/codec/giftwrap"
	"github.com/marmot-im/marmot-go/internal/codec/groupmetadata"
	"github.com/marmot-im/marmot-go/internal/codec/keypackage"
	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/codec/welcome"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/mlsprovider/memprovider"
	"github.com/marmot-im/marmot-go/internal/model"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/marmot-im/marmot-go/internal/network/wsharness"
	"github.com/marmot-im/marmot-go/internal/signerimpl"
	"github.com/marmot-im/marmot-go/internal/store/history"
	groupstatemem "github.com/marmot-im/marmot-go/internal/store/groupstate/memstore"
	historymem "github.com/marmot-im/marmot-go/internal/store/history/memstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) (privHex, pubHex string, cred mlsprovider.Credential) {
	t.Helper()
	privHex = nostr.GeneratePrivateKey()
	var err error
	pubHex, err = nostr.GetPublicKey(privHex)
	require.NoError(t, err)
	idBytes, err := hex.DecodeString(pubHex)
	require.NoError(t, err)
	return privHex, pubHex, mlsprovider.Credential{Identity: idBytes}
}

// hexID fabricates a 64-char lowercase-hex event id from a single byte, for
// tests that need distinct, orderable ids without a real event hash.
func hexID(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func buildExtensions(t *testing.T, groupID [32]byte, adminPubkeys, relays []string) map[uint16][]byte {
	t.Helper()
	enc, err := groupmetadata.Encode(groupmetadata.Data{
		NostrGroupID: groupID,
		Name:         "runtime-test-group",
		AdminPubkeys: adminPubkeys,
		Relays:       relays,
	})
	require.NoError(t, err)
	return map[uint16][]byte{groupmetadata.ExtensionType: enc}
}

// TestEndToEndInviteAndMessage covers S1: A creates a group, invites B via a
// published key package, B joins from the gift-wrapped welcome, and B's
// application message round-trips back to A through a real in-process relay.
func TestEndToEndInviteAndMessage(t *testing.T) {
	ctx := context.Background()
	relay := wsharness.NewRelay()
	defer relay.Close()
	relays := []string{relay.URL()}

	_, pubA, credA := newIdentity(t)
	privB, pubB, credB := newIdentity(t)

	groupID := [32]byte{0x01}
	ext := buildExtensions(t, groupID, []string{pubA}, relays)

	provider := memprovider.New()
	stateA, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	netA := wsharness.NewClient()
	netB := wsharness.NewClient()
	netA.SetInboxRelays(pubB, relays)

	rtA, err := New(groupID, stateA, provider, groupstatemem.New(), historymem.New(), admin.Callback(), netA, relays)
	require.NoError(t, err)

	// B generates a key package and publishes it as a signed kind=443 event.
	kpPub, kpPriv, err := provider.NewKeyPackage(credB, false)
	require.NoError(t, err)
	kpEvt, err := keypackage.Build(pubB, kpPub, keypackage.BuildOpts{Relays: relays})
	require.NoError(t, err)
	signedKP, err := signerimpl.New(privB).SignEvent(kpEvt)
	require.NoError(t, err)
	_, err = netB.Publish(ctx, relays, signedKP)
	require.NoError(t, err)

	// A fetches it, parses it into a structured public key package.
	fetched, err := netA.Request(ctx, relays, network.Filter{Kinds: []int{keypackage.Kind}})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	tlsBytes, err := keypackage.Parse(fetched[0])
	require.NoError(t, err)
	invitedPub, err := provider.ParseKeyPackage(tlsBytes)
	require.NoError(t, err)

	// A commits the add, which publishes the commit and gift-wraps a welcome.
	err = rtA.Commit(ctx, CommitOptions{
		CallerPubkeyHex:    pubA,
		Proposals:          []mlsprovider.ProposalDesc{{Kind: mlsprovider.ProposeAdd, KeyPackage: &invitedPub}},
		KeyPackageEventIDs: map[[32]byte]string{invitedPub.Ref: fetched[0].ID},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rtA.State().Epoch())

	// B receives the gift-wrap, unwraps the welcome rumor, and joins.
	giftWraps, err := netB.Request(ctx, relays, network.Filter{Kinds: []int{giftwrap.Kind}})
	require.NoError(t, err)
	require.Len(t, giftWraps, 1)
	welcomeRumor, err := giftwrap.Open(giftWraps[0], privB)
	require.NoError(t, err)
	w, kpEventID, err := welcome.Parse(welcomeRumor)
	require.NoError(t, err)
	require.Equal(t, fetched[0].ID, kpEventID)

	stateB, matchedRef, err := provider.JoinGroup(w, []mlsprovider.KeyPackagePrivate{kpPriv})
	require.NoError(t, err)
	require.Equal(t, kpPub.Ref, matchedRef)

	rtB, err := New(groupID, stateB, provider, groupstatemem.New(), historymem.New(), admin.Callback(), netB, relays)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rtB.State().Epoch())

	// B sends an application message; A ingests it from the relay. The relay
	// holds two kind=445 envelopes: A's own commit and B's message. Non-commits
	// are applied first, so B's message is the first outcome.
	err = rtB.SendApplication(ctx, rumor.Rumor{
		Kind:      9,
		PubKey:    pubB,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Content:   "hi",
	})
	require.NoError(t, err)

	envelopes, err := netA.Request(ctx, relays, network.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	require.Len(t, envelopes, 2)

	outcomes, err := rtA.Ingest(ctx, envelopes)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, model.OutcomeRumor, outcomes[0].Result)
}

// TestCommitRaceOlderIDWins covers S2: two commits advancing the same epoch
// arrive in one batch; the lower (created_at, id) cursor wins, the other is
// a commit-race loser, and the epoch advances exactly once.
func TestCommitRaceOlderIDWins(t *testing.T) {
	ctx := context.Background()
	_, pubA, credA := newIdentity(t)
	groupID := [32]byte{0x02}
	ext := buildExtensions(t, groupID, []string{pubA}, nil)

	provider := memprovider.New()
	stateA, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	rtA, err := New(groupID, stateA, provider, groupstatemem.New(), historymem.New(), admin.Callback(), nil, nil)
	require.NoError(t, err)

	commitBytes1, _, _, err := rtA.state.CreateCommit(nil)
	require.NoError(t, err)
	commitBytes2, _, _, err := rtA.state.CreateCommit(nil)
	require.NoError(t, err)

	evt1, err := envelope.Seal(rtA.win, rtA.state.Epoch(), groupID, commitBytes1)
	require.NoError(t, err)
	evt1.CreatedAt = 100
	evt1.ID = hexID(0xaa)

	evt2, err := envelope.Seal(rtA.win, rtA.state.Epoch(), groupID, commitBytes2)
	require.NoError(t, err)
	evt2.CreatedAt = 100
	evt2.ID = hexID(0xbb)

	outcomes, err := rtA.Ingest(ctx, []nostr.Event{evt2, evt1})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byOuterID := map[string]model.Outcome{}
	for _, o := range outcomes {
		byOuterID[o.Outer.ID] = o
	}
	require.Equal(t, model.OutcomeCommitApplied, byOuterID[evt1.ID].Result)
	require.Equal(t, model.OutcomeCommitRaceLoser, byOuterID[evt2.ID].Result)
	require.Equal(t, uint64(2), rtA.State().Epoch())
}

// TestReplayIsIdempotent covers S3: re-ingesting the same outer event twice
// yields exactly one history entry and a resume cursor that does not regress.
func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	relay := wsharness.NewRelay()
	defer relay.Close()
	relays := []string{relay.URL()}

	_, pubA, credA := newIdentity(t)
	groupID := [32]byte{0x03}
	ext := buildExtensions(t, groupID, []string{pubA}, relays)

	provider := memprovider.New()
	stateA, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	netA := wsharness.NewClient()
	historyA := historymem.New()
	rtA, err := New(groupID, stateA, provider, groupstatemem.New(), historyA, admin.Callback(), netA, relays)
	require.NoError(t, err)

	err = rtA.SendApplication(ctx, rumor.Rumor{
		Kind:      9,
		PubKey:    pubA,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Content:   "hi",
	})
	require.NoError(t, err)

	envelopes, err := netA.Request(ctx, relays, network.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	_, err = rtA.Ingest(ctx, envelopes)
	require.NoError(t, err)
	cursorAfterFirst, _, err := historyA.GetResumeCursor(ctx)
	require.NoError(t, err)

	_, err = rtA.Ingest(ctx, envelopes)
	require.NoError(t, err)
	cursorAfterSecond, _, err := historyA.GetResumeCursor(ctx)
	require.NoError(t, err)

	require.Equal(t, cursorAfterFirst, cursorAfterSecond)

	entries, err := historyA.QueryRumors(ctx, history.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hi", entries[0].Rumor.Content)
}

// TestAdminRejectionLeavesStateUnchanged covers S4: a commit from a
// non-admin sender is rejected by policy and the group's epoch does not
// advance.
func TestAdminRejectionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	_, pubA, credA := newIdentity(t)
	_, _, credB := newIdentity(t)
	groupID := [32]byte{0x04}
	ext := buildExtensions(t, groupID, []string{pubA}, nil)

	provider := memprovider.New()
	stateA, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	rtA, err := New(groupID, stateA, provider, groupstatemem.New(), historymem.New(), admin.Callback(), nil, nil)
	require.NoError(t, err)

	// An independent epoch-1 group state standing in for B's own view, used
	// only to fabricate a commit whose sender identity is B's.
	stateB, err := provider.CreateGroup(groupID, credB, ext)
	require.NoError(t, err)
	bCommitBytes, _, _, err := stateB.CreateCommit(nil)
	require.NoError(t, err)

	evt, err := envelope.Seal(rtA.win, rtA.state.Epoch(), groupID, bCommitBytes)
	require.NoError(t, err)

	outcomes, err := rtA.Ingest(ctx, []nostr.Event{evt})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, model.OutcomeCommitRejected, outcomes[0].Result)
	require.Equal(t, uint64(1), rtA.State().Epoch())
}

// TestWatermarkAdvancesAcrossCommitAndFollowingMessage covers S5: a commit
// and a next-epoch application message arrive in the same batch; the
// application message is unreadable until the commit applies, is recovered
// by the bounded retry pass, and the resume watermark lands on the later of
// the two cursors.
func TestWatermarkAdvancesAcrossCommitAndFollowingMessage(t *testing.T) {
	ctx := context.Background()
	_, pubA, credA := newIdentity(t)
	groupID := [32]byte{0x05}
	ext := buildExtensions(t, groupID, []string{pubA}, nil)

	provider := memprovider.New()
	stateA1, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	historyA := historymem.New()
	rtA, err := New(groupID, stateA1, provider, groupstatemem.New(), historyA, admin.Callback(), nil, nil)
	require.NoError(t, err)

	commitBytes, _, stateA2, err := rtA.state.CreateCommit(nil)
	require.NoError(t, err)

	commitEvt, err := envelope.Seal(rtA.win, rtA.state.Epoch(), groupID, commitBytes)
	require.NoError(t, err)
	commitEvt.CreatedAt = 10
	commitEvt.ID = hexID(0xaa)

	payload, err := rumor.Serialize(rumor.Rumor{
		Kind:      9,
		PubKey:    pubA,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Content:   "hi",
	})
	require.NoError(t, err)
	appBytes, err := stateA2.EncryptApplication(payload)
	require.NoError(t, err)

	epoch2Secret, err := stateA2.ExporterSecret(exporterLabel, groupID[:], 32)
	require.NoError(t, err)
	tmpWin := envelope.NewWindow(3)
	tmpWin.Put(2, epoch2Secret)
	appEvt, err := envelope.Seal(tmpWin, 2, groupID, appBytes)
	require.NoError(t, err)
	appEvt.CreatedAt = 11
	appEvt.ID = hexID(0xbb)

	outcomes, err := rtA.Ingest(ctx, []nostr.Event{commitEvt, appEvt})
	require.NoError(t, err)

	var sawCommit, sawRumor bool
	for _, o := range outcomes {
		switch o.Result {
		case model.OutcomeCommitApplied:
			sawCommit = true
		case model.OutcomeRumor:
			sawRumor = true
		}
	}
	require.True(t, sawCommit, "expected commit to apply")
	require.True(t, sawRumor, "expected the following application message to be recovered")

	resume, has, err := historyA.GetResumeCursor(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, int64(11), resume.CreatedAt)
	require.Equal(t, hexID(0xbb), resume.ID)
}

// TestWelcomeGiftWrapUnmatchedRecipient covers S6 through the full codec
// chain (gift-wrap open, welcome parse, provider join) rather than the
// provider alone: a welcome gift-wrapped for B cannot be joined with a key
// package candidate that does not match its target ref.
func TestWelcomeGiftWrapUnmatchedRecipient(t *testing.T) {
	_, pubA, credA := newIdentity(t)
	privB, pubB, credB := newIdentity(t)
	_, _, credC := newIdentity(t)

	groupID := [32]byte{0x06}
	ext := buildExtensions(t, groupID, []string{pubA}, nil)

	provider := memprovider.New()
	stateA, err := provider.CreateGroup(groupID, credA, ext)
	require.NoError(t, err)

	kpPub, _, err := provider.NewKeyPackage(credB, false)
	require.NoError(t, err)
	_, commitWelcomes, _, err := stateA.CreateCommit([]mlsprovider.ProposalDesc{
		{Kind: mlsprovider.ProposeAdd, KeyPackage: &kpPub},
	})
	require.NoError(t, err)
	w, ok := commitWelcomes[kpPub.Ref]
	require.True(t, ok)

	rumorEvt, err := welcome.Build(w, hexID(0xcc), nil)
	require.NoError(t, err)
	wrapped, err := giftwrap.Wrap(rumorEvt, pubB)
	require.NoError(t, err)

	opened, err := giftwrap.Open(wrapped, privB)
	require.NoError(t, err)
	gotWelcome, _, err := welcome.Parse(opened)
	require.NoError(t, err)

	// C's key package was never invited; it cannot match the welcome's ref.
	wrongCandidate := mlsprovider.KeyPackagePrivate{Ref: [32]byte{0x99}, Credential: credC}
	_, _, err = provider.JoinGroup(gotWelcome, []mlsprovider.KeyPackagePrivate{wrongCandidate})
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.WelcomeUnmatched, kind)
}
