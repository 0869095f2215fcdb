// Package runtime is the group runtime: the heart of the library.
// It decrypts inbound outer events, orders and applies commits, persists
// MLS state and history, and produces outgoing envelopes for application
// messages, proposals, and commits.
//
// State is handed in at construction (freshly created or loaded by the
// caller) and held in memory afterward, one Runtime per group, guarding an
// ordered multi-sender MLS group rather than a single 1:1 ratchet.
package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/marmot-im/marmot-go/internal/codec/envelope"
	"github.com/marmot-im/marmot-go/internal/codec/giftwrap"
	"github.com/marmot-im/marmot-go/internal/codec/groupmetadata"
	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/codec/welcome"
	"github.com/marmot-im/marmot-go/internal/cursor"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/logging"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/model"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/marmot-im/marmot-go/internal/store/groupstate"
	"github.com/marmot-im/marmot-go/internal/store/history"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3
const defaultExporterRetentionWindow = 3
const exporterLabel = "nostr"

// Option configures a Runtime at construction, in the client façade's
// functional-options style.
type Option func(*Runtime)

// WithMaxRetries overrides the default bounded retry count for unreadable
// events after a commit advances the epoch.
func WithMaxRetries(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithHistoryWriteFailureHook registers a hook invoked when a history
// write fails without halting the batch.
func WithHistoryWriteFailureHook(fn func(error)) Option {
	return func(r *Runtime) { r.onHistoryWriteFailure = fn }
}

// WithExporterRetentionWindow overrides how many trailing epochs' exporter
// secrets are retained for decrypting envelopes sealed just before a commit
// advanced the epoch. Default 3.
func WithExporterRetentionWindow(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.retentionWindow = n
		}
	}
}

// Runtime owns one group's live MLS state and mediates every ingest/send
// operation against it. Group runtimes are independent of one another and
// of the client façade that constructs them.
type Runtime struct {
	nostrGroupID [32]byte
	provider mlsprovider.Provider
	groupStore groupstate.Store
	historyStore history.Store
	admin mlsprovider.AdminCallback
	net network.Network
	relays []string

	maxRetries int
	retentionWindow int
	onHistoryWriteFailure func(error)

	mu sync.Mutex // per-group logical lock serializing ingest/send/commit
	state mlsprovider.GroupState
	win *envelope.Window
}

// New constructs a Runtime for one group. state is the already-loaded (or
// freshly created) MLS client state; callers obtain it via
// provider.CreateGroup or provider.LoadGroup before constructing a Runtime.
func New(
	nostrGroupID [32]byte,
	state mlsprovider.GroupState,
	provider mlsprovider.Provider,
	groupStore groupstate.Store,
	historyStore history.Store,
	admin mlsprovider.AdminCallback,
	net network.Network,
	relays []string,
	opts ...Option,
) (*Runtime, error) {
	r := &Runtime{
		nostrGroupID: nostrGroupID,
		provider: provider,
		groupStore: groupStore,
		historyStore: historyStore,
		admin: admin,
		net: net,
		relays: relays,
		maxRetries: defaultMaxRetries,
		retentionWindow: defaultExporterRetentionWindow,
		state: state,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.win = envelope.NewWindow(r.retentionWindow)
	if err := r.retainCurrentExporterSecret(); err != nil {
		return nil, err
	}
	return r, nil
}

// State returns the runtime's current cached MLS state.
func (r *Runtime) State() mlsprovider.GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) retainCurrentExporterSecret() error {
	secret, err := r.state.ExporterSecret(exporterLabel, r.nostrGroupID[:], 32)
	if err != nil {
		return errs.Wrap(errs.MLSProcessingFailed, "derive exporter secret for retention window", err)
	}
	r.win.Put(r.state.Epoch(), secret)
	return nil
}

// decoded is one outer event after envelope decryption and MLS decode.
type decoded struct {
	outer nostr.Event
	cursor cursor.Cursor
	content mlsprovider.DecodedContent
	mls []byte
}

// unreadable is a decoded-or-decrypt failure retained for the bounded retry
// pass.
type unreadable struct {
	outer nostr.Event
	cursor cursor.Cursor
	reason string
}

// Ingest processes a batch of outer events tagged with this group's
// nostr_group_id. Store failures for MLS state propagate and halt the
// batch; history-store failures do not.
func (r *Runtime) Ingest(ctx context.Context, outers []nostr.Event) ([]model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resumeCursor, hasResume, err := r.historyStore.GetResumeCursor(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "load resume cursor", err)
	}

	var outcomes []model.Outcome
	var nonCommits []decoded
	var commits []decoded
	var unreadables []unreadable
	maxCursor := resumeCursor
	sawAny := false

	classify := func(evt nostr.Event) {
		c := cursor.Cursor{CreatedAt: int64(evt.CreatedAt), ID: evt.ID}
		if hasResume && !cursor.Less(resumeCursor, c) {
			return // already processed (step 1: dedupe against resume watermark)
		}
		sawAny = true
		maxCursor = cursor.Max(maxCursor, c)

		mlsBytes, epoch, err := envelope.Open(r.win, r.state.Epoch(), evt)
		if err != nil {
			unreadables = append(unreadables, unreadable{outer: evt, cursor: c, reason: err.Error()})
			return
		}
		dc, err := r.state.Decode(mlsBytes)
		if err != nil {
			unreadables = append(unreadables, unreadable{outer: evt, cursor: c, reason: err.Error()})
			return
		}
		_ = epoch // the decrypting epoch may lag r.state.Epoch(); dc.Epoch is authoritative for ordering.
		d := decoded{outer: evt, cursor: c, content: dc, mls: mlsBytes}
		if dc.Type == mlsprovider.ContentCommit {
			commits = append(commits, d)
		} else {
			nonCommits = append(nonCommits, d)
		}
	}
	for _, evt := range outers {
		classify(evt)
	}

	// Step 3: apply non-commits first, in (created_at, id) order.
	sort.Slice(nonCommits, func(i, j int) bool { return cursor.Less(nonCommits[i].cursor, nonCommits[j].cursor) })
	for _, d := range nonCommits {
		outcomes = append(outcomes, r.applyNonCommit(ctx, d))
	}

	// Step 4: order commits by (mls_epoch, created_at, id) ascending.
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].content.Epoch != commits[j].content.Epoch {
			return commits[i].content.Epoch < commits[j].content.Epoch
		}
		return cursor.Less(commits[i].cursor, commits[j].cursor)
	})

	// Step 5: apply each commit sequentially.
	epochAdvanced := false
	for _, d := range commits {
		outcome, advanced, err := r.applyCommit(ctx, d)
		if err != nil {
			return outcomes, err // MLS state store failure: propagate, halt batch
		}
		outcomes = append(outcomes, outcome)
		epochAdvanced = epochAdvanced || advanced
	}

	// Step 6: bounded retry of unreadables, only worth attempting if an
	// epoch actually advanced during this batch.
	if epochAdvanced {
		for attempt := 0; attempt < r.maxRetries && len(unreadables) > 0; attempt++ {
			var stillUnreadable []unreadable
			progressed := false
			for _, u := range unreadables {
				mlsBytes, _, err := envelope.Open(r.win, r.state.Epoch(), u.outer)
				if err != nil {
					stillUnreadable = append(stillUnreadable, u)
					continue
				}
				dc, err := r.state.Decode(mlsBytes)
				if err != nil {
					stillUnreadable = append(stillUnreadable, u)
					continue
				}
				progressed = true
				if dc.Type == mlsprovider.ContentCommit {
					outcome, _, err := r.applyCommit(ctx, decoded{outer: u.outer, cursor: u.cursor, content: dc, mls: mlsBytes})
					if err != nil {
						return outcomes, err
					}
					outcomes = append(outcomes, outcome)
				} else {
					outcomes = append(outcomes, r.applyNonCommit(ctx, decoded{outer: u.outer, cursor: u.cursor, content: dc, mls: mlsBytes}))
				}
			}
			unreadables = stillUnreadable
			if !progressed {
				break
			}
		}
	}
	for _, u := range unreadables {
		logging.Warn("outer event permanently unreadable", zap.String("event_id", u.outer.ID), zap.String("reason", u.reason))
		outcomes = append(outcomes, model.Outcome{Outer: u.cursor, Result: model.OutcomeUnreadable, Reason: u.reason})
	}

	// Step 7: advance resume cursor to the greatest classified outer cursor
	// in the batch, even for events that yielded no rumor.
	if sawAny {
		if err := r.historyStore.MarkOuterEventProcessed(ctx, maxCursor); err != nil {
			return outcomes, errs.Wrap(errs.StoreFailure, "advance resume cursor", err)
		}
	}
	return outcomes, nil
}

func (r *Runtime) applyNonCommit(ctx context.Context, d decoded) model.Outcome {
	switch d.content.Type {
	case mlsprovider.ContentApplication:
		rr, err := rumor.Deserialize(d.content.ApplicationData)
		if err != nil {
			return model.Outcome{Outer: d.cursor, Result: model.OutcomeUnreadable, Reason: err.Error()}
		}
		entry := model.HistoryEntry{Rumor: rr, Outer: d.cursor}
		if err := r.historyStore.AddRumor(ctx, entry); err != nil {
			// History-store failures never halt the batch.
			if r.onHistoryWriteFailure != nil {
				r.onHistoryWriteFailure(err)
			}
			logging.Error("history write failed", zap.Error(err), zap.String("event_id", d.outer.ID))
		}
		return model.Outcome{Outer: d.cursor, Result: model.OutcomeRumor}
	case mlsprovider.ContentProposal:
		if err := r.state.CachePendingProposal(d.mls); err != nil {
			return model.Outcome{Outer: d.cursor, Result: model.OutcomeUnreadable, Reason: err.Error()}
		}
		return model.Outcome{Outer: d.cursor, Result: model.OutcomeProposalCached}
	default:
		return model.Outcome{Outer: d.cursor, Result: model.OutcomeUnreadable, Reason: "unexpected content type in non-commit path"}
	}
}

// applyCommit applies one commit and reports whether the epoch advanced. A
// non-nil error means MLS state persistence failed and the caller must halt
// the batch; a rejected/raced commit is a normal Outcome, not an error.
func (r *Runtime) applyCommit(ctx context.Context, d decoded) (model.Outcome, bool, error) {
	next, accepted, err := r.state.ApplyCommit(d.mls, r.admin)
	if err != nil {
		if kind, ok := errs.Of(err); ok && kind == errs.EpochMismatch {
			return model.Outcome{Outer: d.cursor, Result: model.OutcomeCommitRaceLoser, Reason: err.Error()}, false, nil
		}
		return model.Outcome{Outer: d.cursor, Result: model.OutcomeCommitRejected, Reason: err.Error()}, false, nil
	}
	if !accepted {
		return model.Outcome{Outer: d.cursor, Result: model.OutcomeCommitRejected, Reason: "rejected by admin policy"}, false, nil
	}

	snapshot, err := next.Snapshot()
	if err != nil {
		return model.Outcome{}, false, errs.Wrap(errs.StoreFailure, "snapshot mls state", err)
	}
	if err := r.groupStore.Set(ctx, r.nostrGroupID[:], snapshot); err != nil {
		return model.Outcome{}, false, errs.Wrap(errs.StoreFailure, "persist mls state", err)
	}

	r.state = next
	secret, err := next.ExporterSecret(exporterLabel, r.nostrGroupID[:], 32)
	if err != nil {
		return model.Outcome{}, false, errs.Wrap(errs.MLSProcessingFailed, "derive exporter secret", err)
	}
	r.win.Put(next.Epoch(), secret)

	return model.Outcome{Outer: d.cursor, Result: model.OutcomeCommitApplied}, true, nil
}

// SendApplication wraps r as an MLS application message under the current
// epoch and publishes it to the group's relays.
func (r *Runtime) SendApplication(ctx context.Context, rr rumor.Rumor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := rumor.Serialize(rr)
	if err != nil {
		return err
	}
	mlsBytes, err := r.state.EncryptApplication(payload)
	if err != nil {
		return errs.Wrap(errs.MLSProcessingFailed, "encrypt application message", err)
	}
	evt, err := envelope.Seal(r.win, r.state.Epoch(), r.nostrGroupID, mlsBytes)
	if err != nil {
		return err
	}
	if _, err := r.net.Publish(ctx, r.relays, evt); err != nil {
		return errs.Wrap(errs.PublishFailed, "publish application envelope", err)
	}
	return nil
}

// Propose builds and publishes a standalone MLS proposal message.
func (r *Runtime) Propose(ctx context.Context, p mlsprovider.ProposalDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mlsBytes, err := r.state.CreateProposal(p)
	if err != nil {
		return errs.Wrap(errs.MLSProcessingFailed, "create proposal", err)
	}
	evt, err := envelope.Seal(r.win, r.state.Epoch(), r.nostrGroupID, mlsBytes)
	if err != nil {
		return err
	}
	if _, err := r.net.Publish(ctx, r.relays, evt); err != nil {
		return errs.Wrap(errs.PublishFailed, "publish proposal envelope", err)
	}
	return nil
}

// CommitOptions describes explicit invitation/removal intent for one commit.
type CommitOptions struct {
	// CallerPubkeyHex is the identity issuing this commit; Commit rejects
	// synchronously with NotAdmin if it is not in the group's admin set.
	CallerPubkeyHex string
	// Proposals folds into the commit; ProposeAdd entries add a member and
	// produce a Welcome, keyed by the added key package's ref.
	Proposals []mlsprovider.ProposalDesc
	// KeyPackageEventIDs maps each ProposeAdd key package's ref to the
	// kind=443 event id it was published under, needed for the Welcome's
	// e tag.
	KeyPackageEventIDs map[[32]byte]string
}

// Commit builds proposals into a commit, publishes it, and on
// acknowledgement gift-wraps and publishes a Welcome to every invitee.
// The publish ordering commit-ack-before-Welcome is enforced by
// construction: Welcomes are only built after Publish succeeds.
func (r *Runtime) Commit(ctx context.Context, opts CommitOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAdmin(opts.CallerPubkeyHex); err != nil {
		return err
	}

	commitBytes, welcomes, next, err := r.state.CreateCommit(opts.Proposals)
	if err != nil {
		return errs.Wrap(errs.CommitRejected, "create commit", err)
	}

	evt, err := envelope.Seal(r.win, r.state.Epoch(), r.nostrGroupID, commitBytes)
	if err != nil {
		return err
	}
	receipts, err := r.net.Publish(ctx, r.relays, evt)
	if err != nil {
		return errs.Wrap(errs.PublishFailed, "publish commit envelope", err)
	}
	if !anyOK(receipts) {
		return errs.New(errs.NoRelayAck, "no relay acknowledged the commit envelope")
	}

	inviteeByRef := map[[32]byte]string{}
	for _, p := range opts.Proposals {
		if p.Kind == mlsprovider.ProposeAdd && p.KeyPackage != nil {
			if pk, ok := p.KeyPackage.Credential.NostrPubkeyHex(); ok {
				inviteeByRef[p.KeyPackage.Ref] = pk
			}
		}
	}

	for ref, w := range welcomes {
		inviteePubkey, ok := inviteeByRef[ref]
		if !ok {
			return errs.New(errs.NoMatchingKeyPackageEvent, "welcome produced for a key package with no known invitee identity")
		}
		kpEventID, ok := opts.KeyPackageEventIDs[ref]
		if !ok {
			return errs.New(errs.NoMatchingKeyPackageEvent, "no key-package event id supplied for invited key package")
		}

		rumorEvt, err := welcome.Build(w, kpEventID, r.relays)
		if err != nil {
			return err
		}
		wrapped, err := giftwrap.Wrap(rumorEvt, inviteePubkey)
		if err != nil {
			return err
		}

		inboxRelays, err := r.net.GetUserInboxRelays(ctx, inviteePubkey)
		if err != nil || len(inboxRelays) == 0 {
			logging.Warn("no inbox relays discovered for invitee, falling back to group relays",
				zap.String("invitee", inviteePubkey))
			inboxRelays = r.relays
		}
		if _, err := r.net.Publish(ctx, inboxRelays, wrapped); err != nil {
			return errs.Wrap(errs.PublishFailed, "publish welcome gift-wrap", err)
		}
	}

	snapshot, err := next.Snapshot()
	if err != nil {
		return errs.Wrap(errs.StoreFailure, "snapshot mls state after commit", err)
	}
	if err := r.groupStore.Set(ctx, r.nostrGroupID[:], snapshot); err != nil {
		return errs.Wrap(errs.StoreFailure, "persist mls state after commit", err)
	}
	r.state = next
	secret, err := next.ExporterSecret(exporterLabel, r.nostrGroupID[:], 32)
	if err != nil {
		return errs.Wrap(errs.MLSProcessingFailed, "derive exporter secret after commit", err)
	}
	r.win.Put(next.Epoch(), secret)
	return nil
}

func (r *Runtime) checkAdmin(callerPubkeyHex string) error {
	data, err := groupmetadata.Decode(r.state.Extensions()[groupmetadata.ExtensionType])
	if err != nil {
		return errs.Wrap(errs.NotAdmin, "group metadata extension missing or malformed", err)
	}
	for _, pk := range data.AdminPubkeys {
		if pk == callerPubkeyHex {
			return nil
		}
	}
	return errs.New(errs.NotAdmin, "caller is not in the group's admin set")
}

func anyOK(receipts map[string]network.PublishReceipt) bool {
	for _, r := range receipts {
		if r.OK {
			return true
		}
	}
	return false
}
