// Package client is the client façade: the single constructor-injected
// entry point a host application uses to create, load, join, and destroy
// group runtimes. It owns the long-lived collaborators — signer, MLS
// provider, group-state store, key-package store, network, and an optional
// per-group history-store factory — and hands out *runtime.Runtime values
// backed by them, lazily building one runtime per group and caching it for
// reuse across calls.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/marmot-im/marmot-go/internal/admin"
	"github.com/marmot-im/marmot-go/internal/codec/groupmetadata"
	kpcodec "github.com/marmot-im/marmot-go/internal/codec/keypackage"
	"github.com/marmot-im/marmot-go/internal/codec/welcome"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/logging"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/marmot-im/marmot-go/internal/runtime"
	"github.com/marmot-im/marmot-go/internal/signerimpl"
	"github.com/marmot-im/marmot-go/internal/store/groupstate"
	"github.com/marmot-im/marmot-go/internal/store/history"
	kpstore "github.com/marmot-im/marmot-go/internal/store/keypackage"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// HistoryStoreFactory constructs (or opens) the history store backing one
// group's runtime. The façade calls it once per group and caches the
// result, so a factory closing over a shared database handle can key its
// per-group table/collection off groupID.
type HistoryStoreFactory func(groupID [32]byte) (history.Store, error)

// Option configures a Client at construction.
type Option func(*Client)

// WithMaxRetries forwards to every runtime this Client constructs.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.runtimeOpts = append(c.runtimeOpts, runtime.WithMaxRetries(n)) }
}

// WithExporterRetentionWindow forwards to every runtime this Client
// constructs.
func WithExporterRetentionWindow(n int) Option {
	return func(c *Client) {
		c.runtimeOpts = append(c.runtimeOpts, runtime.WithExporterRetentionWindow(n))
	}
}

// WithHistoryWriteFailureHook forwards to every runtime this Client
// constructs.
func WithHistoryWriteFailureHook(fn func(error)) Option {
	return func(c *Client) {
		c.runtimeOpts = append(c.runtimeOpts, runtime.WithHistoryWriteFailureHook(fn))
	}
}

// WithRelays sets the default relay set used for new groups and for
// publishing this identity's own key packages, when a call site doesn't
// name relays explicitly.
func WithRelays(relays []string) Option {
	return func(c *Client) { c.relays = relays }
}

// Client is the group-lifecycle façade: create, load, join, and destroy
// groups, backed by a cache of live runtimes.
type Client struct {
	signer signerimpl.Signer
	provider mlsprovider.Provider
	groupStore groupstate.Store
	kpStore kpstore.Store
	historyFactory HistoryStoreFactory
	net network.Network
	relays []string
	runtimeOpts []runtime.Option

	mu sync.Mutex
	runtimes map[[32]byte]*runtime.Runtime
	historyStores map[[32]byte]history.Store
}

// New constructs a Client from its collaborators via constructor injection.
func New(
	signer signerimpl.Signer,
	provider mlsprovider.Provider,
	groupStore groupstate.Store,
	kpStore kpstore.Store,
	historyFactory HistoryStoreFactory,
	net network.Network,
	relays []string,
	opts ...Option,
) *Client {
	c := &Client{
		signer: signer,
		provider: provider,
		groupStore: groupStore,
		kpStore: kpStore,
		historyFactory: historyFactory,
		net: net,
		relays: relays,
		runtimes: make(map[[32]byte]*runtime.Runtime),
		historyStores: make(map[[32]byte]history.Store),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) selfCredential() (mlsprovider.Credential, string, error) {
	pubHex, err := c.signer.GetPublicKey()
	if err != nil {
		return mlsprovider.Credential{}, "", errs.Wrap(errs.InvalidPubkey, "derive signer public key", err)
	}
	id, err := hex.DecodeString(pubHex)
	if err != nil {
		return mlsprovider.Credential{}, "", errs.Wrap(errs.InvalidPubkey, "decode signer public key", err)
	}
	return mlsprovider.Credential{Identity: id}, pubHex, nil
}

// CreateGroupOpts describes a new group's metadata.
type CreateGroupOpts struct {
	AdminPubkeys []string // creator is always added if absent
	Relays []string // defaults to the Client's configured relays
	Description string
	Image *groupmetadata.Image
}

// CreateGroup constructs a fresh single-member group, persists its initial
// snapshot, and returns a runtime for it plus its routing (nostr_group_id).
func (c *Client) CreateGroup(ctx context.Context, name string, opts CreateGroupOpts) (*runtime.Runtime, [32]byte, error) {
	self, selfPubHex, err := c.selfCredential()
	if err != nil {
		return nil, [32]byte{}, err
	}

	admins := opts.AdminPubkeys
	found := false
	for _, pk := range admins {
		if pk == selfPubHex {
			found = true
			break
		}
	}
	if !found {
		admins = append(append([]string{}, admins...), selfPubHex)
	}
	relays := opts.Relays
	if len(relays) == 0 {
		relays = c.relays
	}

	var mlsGroupID, nostrGroupID [32]byte
	if _, err := rand.Read(mlsGroupID[:]); err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.MLSProcessingFailed, "generate mls group id", err)
	}
	if _, err := rand.Read(nostrGroupID[:]); err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.MLSProcessingFailed, "generate nostr group id", err)
	}

	extBytes, err := groupmetadata.Encode(groupmetadata.Data{
		NostrGroupID: nostrGroupID,
		Name: name,
		Description: opts.Description,
		AdminPubkeys: admins,
		Relays: relays,
		Image: opts.Image,
	})
	if err != nil {
		return nil, [32]byte{}, err
	}

	if _, ok, err := c.groupStore.Get(ctx, nostrGroupID[:]); err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.StoreFailure, "check existing group state", err)
	} else if ok {
		return nil, [32]byte{}, errs.New(errs.GroupAlreadyExists, "nostr group id collision")
	}

	state, err := c.provider.CreateGroup(mlsGroupID, self, map[uint16][]byte{groupmetadata.ExtensionType: extBytes})
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.MLSProcessingFailed, "create mls group", err)
	}

	rt, err := c.buildAndCacheRuntime(ctx, nostrGroupID, state, relays)
	if err != nil {
		return nil, [32]byte{}, err
	}

	// Every group creator needs at least one last-resort key package on
	// hand so it can be re-invited to groups it hasn't left.
	if err := c.ensureLastResortKeyPackage(ctx, self); err != nil {
		logging.Warn("failed to provision last-resort key package for new group creator", zap.Error(err))
	}

	return rt, nostrGroupID, nil
}

func (c *Client) ensureLastResortKeyPackage(ctx context.Context, self mlsprovider.Credential) error {
	pub, priv, err := c.provider.NewKeyPackage(self, true)
	if err != nil {
		return err
	}
	return c.kpStore.Put(ctx, kpstore.Entry{Public: pub, Private: priv})
}

// buildAndCacheRuntime constructs a runtime.Runtime for an already-loaded
// state and caches it under groupID, opening its history store via the
// factory on first use.
func (c *Client) buildAndCacheRuntime(ctx context.Context, groupID [32]byte, state mlsprovider.GroupState, relays []string) (*runtime.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.runtimes[groupID]; ok {
		return rt, nil
	}

	histStore, ok := c.historyStores[groupID]
	if !ok {
		var err error
		histStore, err = c.historyFactory(groupID)
		if err != nil {
			return nil, errs.Wrap(errs.StoreFailure, "open history store", err)
		}
		c.historyStores[groupID] = histStore
	}

	snapshot, err := state.Snapshot()
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "snapshot new mls state", err)
	}
	if err := c.groupStore.Set(ctx, groupID[:], snapshot); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "persist initial mls state", err)
	}

	rt, err := runtime.New(groupID, state, c.provider, c.groupStore, histStore, admin.Callback(), c.net, relays, c.runtimeOpts...)
	if err != nil {
		return nil, err
	}
	c.runtimes[groupID] = rt
	return rt, nil
}

// GetGroup loads a runtime for an already-known group, checking the
// in-memory cache before falling back to the persisted group state.
func (c *Client) GetGroup(ctx context.Context, groupID [32]byte) (*runtime.Runtime, error) {
	c.mu.Lock()
	if rt, ok := c.runtimes[groupID]; ok {
		c.mu.Unlock()
		return rt, nil
	}
	c.mu.Unlock()

	snapshot, ok, err := c.groupStore.Get(ctx, groupID[:])
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "load mls state", err)
	}
	if !ok {
		return nil, errs.New(errs.GroupNotFound, "no persisted state for group id")
	}
	state, err := c.provider.LoadGroup(snapshot)
	if err != nil {
		return nil, errs.Wrap(errs.MLSProcessingFailed, "decode persisted mls state", err)
	}
	relays := c.relaysFromState(state)
	return c.buildAndCacheRuntime(ctx, groupID, state, relays)
}

func (c *Client) relaysFromState(state mlsprovider.GroupState) []string {
	data, err := groupmetadata.Decode(state.Extensions()[groupmetadata.ExtensionType])
	if err != nil || len(data.Relays) == 0 {
		return c.relays
	}
	return data.Relays
}

// JoinGroupFromWelcome tries every locally held key package against
// welcomeRumor, applies the first one that matches, and returns a runtime
// for the resulting group.
func (c *Client) JoinGroupFromWelcome(ctx context.Context, welcomeRumor nostr.Event) (*runtime.Runtime, [32]byte, error) {
	w, _, err := welcome.Parse(welcomeRumor)
	if err != nil {
		return nil, [32]byte{}, err
	}

	publics, err := c.kpStore.List(ctx)
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.StoreFailure, "list local key packages", err)
	}
	var candidates []mlsprovider.KeyPackagePrivate
	for _, pub := range publics {
		entry, ok, err := c.kpStore.Get(ctx, pub.Ref)
		if err != nil || !ok {
			continue
		}
		candidates = append(candidates, entry.Private)
	}
	if len(candidates) == 0 {
		return nil, [32]byte{}, errs.New(errs.WelcomeUnmatched, "no local key packages to try against welcome")
	}

	state, matchedRef, err := c.provider.JoinGroup(w, candidates)
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.WelcomeUnmatched, "no candidate key package matched welcome", err)
	}

	data, err := groupmetadata.Decode(state.Extensions()[groupmetadata.ExtensionType])
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.MalformedExtension, "joined group missing group metadata extension", err)
	}
	nostrGroupID := data.NostrGroupID

	relays := data.Relays
	if len(relays) == 0 {
		relays = welcome.Relays(welcomeRumor)
	}
	if len(relays) == 0 {
		relays = c.relays
	}

	rt, err := c.buildAndCacheRuntime(ctx, nostrGroupID, state, relays)
	if err != nil {
		return nil, [32]byte{}, err
	}

	if matched, ok, err := c.kpStore.Get(ctx, matchedRef); err == nil && ok && !matched.Public.LastResort {
		if err := c.kpStore.Remove(ctx, matchedRef); err != nil {
			logging.Warn("failed to remove consumed key package", zap.Error(err))
		}
	}

	return rt, nostrGroupID, nil
}

// LoadAllGroups enumerates every persisted group and returns a runtime for
// each, skipping any that fail to load or decode.
func (c *Client) LoadAllGroups(ctx context.Context) ([]*runtime.Runtime, error) {
	snapshots, err := c.groupStore.List(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list persisted group states", err)
	}
	runtimes := make([]*runtime.Runtime, 0, len(snapshots))
	for _, snapshot := range snapshots {
		state, err := c.provider.LoadGroup(snapshot)
		if err != nil {
			logging.Warn("skipping unreadable persisted group state", zap.Error(err))
			continue
		}
		data, err := groupmetadata.Decode(state.Extensions()[groupmetadata.ExtensionType])
		if err != nil {
			logging.Warn("skipping group state with malformed group metadata extension", zap.Error(err))
			continue
		}
		relays := data.Relays
		if len(relays) == 0 {
			relays = c.relays
		}
		rt, err := c.buildAndCacheRuntime(ctx, data.NostrGroupID, state, relays)
		if err != nil {
			logging.Warn("failed to build runtime for persisted group", zap.Error(err))
			continue
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, nil
}

// DestroyGroup removes a group's persisted MLS state and evicts its cached
// runtime and history store. The history.Store contract has no delete operation, so a
// durable history backend's rows outlive the group; only the in-process
// cache reference and the group-state row are actually removed here — see
// DESIGN.md.
func (c *Client) DestroyGroup(ctx context.Context, groupID [32]byte) error {
	if err := c.groupStore.Remove(ctx, groupID[:]); err != nil {
		return errs.Wrap(errs.StoreFailure, "remove persisted mls state", err)
	}
	c.mu.Lock()
	delete(c.runtimes, groupID)
	delete(c.historyStores, groupID)
	c.mu.Unlock()
	return nil
}

// PublishKeyPackage generates a fresh (non-last-resort) key package,
// stores its private half locally, and publishes its public half as a
// signed kind=443 event. It is a façade convenience symmetric with
// RevokeKeyPackage, rounding out key-package lifecycle management beyond
// the bare codec.
func (c *Client) PublishKeyPackage(ctx context.Context, opts kpcodec.BuildOpts) (nostr.Event, error) {
	self, selfPubHex, err := c.selfCredential()
	if err != nil {
		return nostr.Event{}, err
	}
	pub, priv, err := c.provider.NewKeyPackage(self, false)
	if err != nil {
		return nostr.Event{}, errs.Wrap(errs.MLSProcessingFailed, "generate key package", err)
	}
	if err := c.kpStore.Put(ctx, kpstore.Entry{Public: pub, Private: priv}); err != nil {
		return nostr.Event{}, errs.Wrap(errs.StoreFailure, "store key package", err)
	}

	if len(opts.Relays) == 0 {
		opts.Relays = c.relays
	}
	unsigned, err := kpcodec.Build(selfPubHex, pub, opts)
	if err != nil {
		return nostr.Event{}, err
	}
	signed, err := c.signer.SignEvent(unsigned)
	if err != nil {
		return nostr.Event{}, err
	}
	relays := opts.Relays
	if len(relays) == 0 {
		relays = c.relays
	}
	if _, err := c.net.Publish(ctx, relays, signed); err != nil {
		return nostr.Event{}, errs.Wrap(errs.PublishFailed, "publish key package", err)
	}
	return signed, nil
}

// RevokeKeyPackage publishes a kind=5 deletion request for a previously
// published key-package event and removes its private half locally.
func (c *Client) RevokeKeyPackage(ctx context.Context, ref [32]byte, kpEventID string) error {
	unsigned := nostr.Event{
		Kind: 5,
		Tags: nostr.Tags{
			{"e", kpEventID},
			{"k", "443"},
		},
	}
	signed, err := c.signer.SignEvent(unsigned)
	if err != nil {
		return err
	}
	if _, err := c.net.Publish(ctx, c.relays, signed); err != nil {
		return errs.Wrap(errs.PublishFailed, "publish key package revocation", err)
	}
	if err := c.kpStore.Remove(ctx, ref); err != nil {
		return errs.Wrap(errs.StoreFailure, "remove revoked key package", err)
	}
	return nil
}
