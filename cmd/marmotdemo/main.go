// Command marmotdemo wires two in-memory clients through the in-process
// network harness to demonstrate the library end to end: Alice creates a
// group, Bob publishes a key package and is invited, and Bob's first
// message round-trips back to Alice. It is the library's equivalent of the
// teacher's cmd/client + cmd/server pair, collapsed into a single process
// since there is no real relay or peer to dial.
package main

import (
	"context"
	"encoding/hex"
	"os"

	"github.com/marmot-im/marmot-go/client"
	"github.com/marmot-im/marmot-go/internal/codec/giftwrap"
	kpcodec "github.com/marmot-im/marmot-go/internal/codec/keypackage"
	"github.com/marmot-im/marmot-go/internal/logging"
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
	"go.uber.org/zap"
)

func memHistoryFactory() client.HistoryStoreFactory {
	return func(groupID [32]byte) (history.Store, error) {
		return historymem.New(), nil
	}
}

func newDemoClient(relayURL string) (*client.Client, string, string) {
	privHex := nostr.GeneratePrivateKey()
	signer := signerimpl.New(privHex)
	pubHex, err := signer.GetPublicKey()
	if err != nil {
		logging.Fatal("derive demo identity pubkey", zap.Error(err))
	}
	c := client.New(
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

func main() {
	ctx := context.Background()

	relay := wsharness.NewRelay()
	defer relay.Close()
	relays := []string{relay.URL()}

	alice, _, alicePub := newDemoClient(relay.URL())
	bob, bobPriv, bobPub := newDemoClient(relay.URL())

	logging.Info("alice creating group", zap.String("pubkey", alicePub))
	aliceRT, groupID, err := alice.CreateGroup(ctx, "marmotdemo", client.CreateGroupOpts{
		AdminPubkeys: []string{alicePub},
		Relays:       relays,
	})
	if err != nil {
		logging.Fatal("create group", zap.Error(err))
	}
	logging.Info("group created", zap.String("nostr_group_id", hex.EncodeToString(groupID[:])))

	logging.Info("bob publishing key package", zap.String("pubkey", bobPub))
	bobKPEvt, err := bob.PublishKeyPackage(ctx, kpcodec.BuildOpts{Relays: relays})
	if err != nil {
		logging.Fatal("publish key package", zap.Error(err))
	}

	netAlice := wsharness.NewClient()
	fetched, err := netAlice.Request(ctx, relays, network.Filter{Kinds: []int{kpcodec.Kind}})
	if err != nil || len(fetched) == 0 {
		logging.Fatal("fetch bob's key package", zap.Error(err))
	}
	tlsBytes, err := kpcodec.Parse(fetched[0])
	if err != nil {
		logging.Fatal("parse bob's key package", zap.Error(err))
	}
	bobPublic, err := memprovider.New().ParseKeyPackage(tlsBytes)
	if err != nil {
		logging.Fatal("reconstruct bob's key package", zap.Error(err))
	}

	logging.Info("alice committing the invite")
	if err := aliceRT.Commit(ctx, runtime.CommitOptions{
		CallerPubkeyHex:    alicePub,
		Proposals:          []mlsprovider.ProposalDesc{{Kind: mlsprovider.ProposeAdd, KeyPackage: &bobPublic}},
		KeyPackageEventIDs: map[[32]byte]string{bobPublic.Ref: bobKPEvt.ID},
	}); err != nil {
		logging.Fatal("commit invite", zap.Error(err))
	}

	netBob := wsharness.NewClient()
	giftWraps, err := netBob.Request(ctx, relays, network.Filter{Kinds: []int{giftwrap.Kind}})
	if err != nil || len(giftWraps) == 0 {
		logging.Fatal("fetch bob's gift-wrapped welcome", zap.Error(err))
	}
	welcomeRumor, err := giftwrap.Open(giftWraps[0], bobPriv)
	if err != nil {
		logging.Fatal("unwrap welcome gift-wrap", zap.Error(err))
	}

	logging.Info("bob joining group from welcome")
	bobRT, _, err := bob.JoinGroupFromWelcome(ctx, welcomeRumor)
	if err != nil {
		logging.Fatal("join group from welcome", zap.Error(err))
	}

	logging.Info("bob sending first message")
	if err := bobRT.SendApplication(ctx, nostr.Event{
		Kind:    9,
		PubKey:  bobPub,
		Content: "hello from bob",
	}); err != nil {
		logging.Fatal("send application message", zap.Error(err))
	}

	envelopes, err := netAlice.Request(ctx, relays, network.Filter{Kinds: []int{445}})
	if err != nil || len(envelopes) == 0 {
		logging.Fatal("fetch bob's message", zap.Error(err))
	}
	outcomes, err := aliceRT.Ingest(ctx, envelopes)
	if err != nil {
		logging.Fatal("ingest bob's message", zap.Error(err))
	}
	for _, o := range outcomes {
		logging.Info("alice ingested outer event", zap.Int("result", int(o.Result)), zap.String("reason", o.Reason))
	}

	os.Exit(0)
}
