// Package memprovider is the library's bundled reference implementation of
// mlsprovider.Provider. Each commit mixes the group's current root secret
// with a public per-commit nonce (carried in the commit itself, protected by
// the outer transport AEAD) to derive the next epoch's root secret and, from
// it, the exporter secret.
//
// It does not implement TreeKEM or a real ratchet tree — those are MLS
// primitives this library consumes from a provider rather than re-deriving.
package memprovider

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/marmot-im/marmot-go/internal/cryptographic/dh"
	"github.com/marmot-im/marmot-go/internal/cryptographic/kdf"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
)

// hkdfExpand ratchets the group's root secret forward on each commit and
// derives the exporter secret from it.
func hkdfExpand(secret, info []byte, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := kdf.HKDF(secret, nil, info, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

const rootSecretLen = 32

// Provider is a process-local mlsprovider.Provider. Safe for concurrent use;
// it holds no shared mutable state of its own (all state lives in the
// GroupState values it produces).
type Provider struct{}

func New() *Provider { return &Provider{} }

var _ mlsprovider.Provider = (*Provider)(nil)

type wireProposal struct {
	Kind        mlsprovider.ProposalKind
	KeyPackage  *mlsprovider.KeyPackagePublic `json:",omitempty"`
	RemoveIndex *uint32                       `json:",omitempty"`
}

type wireCommit struct {
	Proposals []wireProposal
	Nonce     []byte
}

type wireMessage struct {
	Type            mlsprovider.ContentType
	Epoch           uint64
	SenderIdentity  []byte
	ApplicationData []byte      `json:",omitempty"`
	Proposal        *wireProposal `json:",omitempty"`
	Commit          *wireCommit   `json:",omitempty"`
}

type wireWelcome struct {
	GroupID      [32]byte
	Epoch        uint64
	Extensions   map[uint16][]byte
	Members      []mlsprovider.Credential
	RootSecret   []byte
	TargetRef    [32]byte
}

// snapshot is the JSON-serializable persisted form of a GroupState.
type snapshot struct {
	GroupID          [32]byte
	Epoch            uint64
	Self             mlsprovider.Credential
	Extensions       map[uint16][]byte
	Members          []mlsprovider.Credential
	RootSecret       []byte
	PendingProposals []wireProposal
}

// State is memprovider's mlsprovider.GroupState implementation.
type State struct {
	s snapshot
}

var _ mlsprovider.GroupState = (*State)(nil)

func (st *State) GroupID() []byte { return append([]byte{}, st.s.GroupID[:]...) }
func (st *State) Epoch() uint64   { return st.s.Epoch }

func (st *State) Extensions() map[uint16][]byte {
	out := make(map[uint16][]byte, len(st.s.Extensions))
	for k, v := range st.s.Extensions {
		out[k] = append([]byte{}, v...)
	}
	return out
}

func (st *State) ExporterSecret(label string, context []byte, length int) ([]byte, error) {
	return hkdfExpand(st.s.RootSecret, append([]byte(label), context...), length)
}

func (st *State) Snapshot() ([]byte, error) {
	b, err := json.Marshal(st.s)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "marshal mls snapshot", err)
	}
	return b, nil
}

func (st *State) EncryptApplication(data []byte) ([]byte, error) {
	msg := wireMessage{
		Type:            mlsprovider.ContentApplication,
		Epoch:           st.s.Epoch,
		SenderIdentity:  st.s.Self.Identity,
		ApplicationData: data,
	}
	return json.Marshal(msg)
}

func (st *State) CreateProposal(p mlsprovider.ProposalDesc) ([]byte, error) {
	wp := toWireProposal(p)
	msg := wireMessage{
		Type:           mlsprovider.ContentProposal,
		Epoch:          st.s.Epoch,
		SenderIdentity: st.s.Self.Identity,
		Proposal:       &wp,
	}
	return json.Marshal(msg)
}

func (st *State) Decode(mlsMessage []byte) (mlsprovider.DecodedContent, error) {
	var msg wireMessage
	if err := json.Unmarshal(mlsMessage, &msg); err != nil {
		return mlsprovider.DecodedContent{}, errs.Wrap(errs.DecodeFailed, "decode mls message", err)
	}
	dc := mlsprovider.DecodedContent{
		Type:   msg.Type,
		Epoch:  msg.Epoch,
		Sender: mlsprovider.Credential{Identity: msg.SenderIdentity},
	}
	if msg.Type == mlsprovider.ContentApplication {
		dc.ApplicationData = msg.ApplicationData
	}
	return dc, nil
}

func (st *State) CachePendingProposal(proposalBytes []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(proposalBytes, &msg); err != nil {
		return errs.Wrap(errs.DecodeFailed, "decode cached proposal", err)
	}
	if msg.Type != mlsprovider.ContentProposal || msg.Proposal == nil {
		return errs.New(errs.MLSProcessingFailed, "not a proposal message")
	}
	st.s.PendingProposals = append(st.s.PendingProposals, *msg.Proposal)
	return nil
}

func (st *State) CreateCommit(proposals []mlsprovider.ProposalDesc) ([]byte, map[[32]byte]mlsprovider.Welcome, mlsprovider.GroupState, error) {
	all := append([]wireProposal{}, st.s.PendingProposals...)
	for _, p := range proposals {
		all = append(all, toWireProposal(p))
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, errs.Wrap(errs.MLSProcessingFailed, "generate commit nonce", err)
	}

	next, welcomes, err := applyProposals(st.s, all, nonce)
	if err != nil {
		return nil, nil, nil, err
	}

	msg := wireMessage{
		Type:           mlsprovider.ContentCommit,
		Epoch:          st.s.Epoch,
		SenderIdentity: st.s.Self.Identity,
		Commit:         &wireCommit{Proposals: all, Nonce: nonce},
	}
	commitBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.MLSProcessingFailed, "marshal commit", err)
	}

	return commitBytes, welcomes, &State{s: next}, nil
}

func (st *State) ApplyCommit(commitBytes []byte, admin mlsprovider.AdminCallback) (mlsprovider.GroupState, bool, error) {
	var msg wireMessage
	if err := json.Unmarshal(commitBytes, &msg); err != nil {
		return st, false, errs.Wrap(errs.DecodeFailed, "decode commit", err)
	}
	if msg.Type != mlsprovider.ContentCommit || msg.Commit == nil {
		return st, false, errs.New(errs.MLSProcessingFailed, "not a commit message")
	}
	if msg.Epoch != st.s.Epoch {
		return st, false, errs.New(errs.EpochMismatch, fmt.Sprintf("commit targets epoch %d, state is at epoch %d", msg.Epoch, st.s.Epoch))
	}

	sender := mlsprovider.Credential{Identity: msg.SenderIdentity}
	if admin(st.Extensions(), sender) == mlsprovider.Reject {
		return st, false, nil
	}

	next, _, err := applyProposals(st.s, msg.Commit.Proposals, msg.Commit.Nonce)
	if err != nil {
		return st, false, err
	}
	return &State{s: next}, true, nil
}

func applyProposals(base snapshot, proposals []wireProposal, nonce []byte) (snapshot, map[[32]byte]mlsprovider.Welcome, error) {
	next := snapshot{
		GroupID:    base.GroupID,
		Epoch:      base.Epoch + 1,
		Self:       base.Self,
		Extensions: base.Extensions,
		Members:    append([]mlsprovider.Credential{}, base.Members...),
	}

	welcomes := map[[32]byte]mlsprovider.Welcome{}
	for _, p := range proposals {
		switch p.Kind {
		case mlsprovider.ProposeAdd:
			if p.KeyPackage == nil {
				return snapshot{}, nil, errs.New(errs.MLSProcessingFailed, "add proposal missing key package")
			}
			next.Members = append(next.Members, p.KeyPackage.Credential)
		case mlsprovider.ProposeRemove:
			if p.RemoveIndex == nil || int(*p.RemoveIndex) >= len(next.Members) {
				return snapshot{}, nil, errs.New(errs.MLSProcessingFailed, "invalid remove index")
			}
			idx := *p.RemoveIndex
			next.Members = append(next.Members[:idx], next.Members[idx+1:]...)
		case mlsprovider.ProposeUpdate:
			// leaf key rotation with no membership-list effect in this model.
		default:
			return snapshot{}, nil, errs.New(errs.MLSProcessingFailed, "unknown proposal kind")
		}
	}

	newRoot, err := hkdfExpand(base.RootSecret, append([]byte("mls-commit-epoch"), nonce...), rootSecretLen)
	if err != nil {
		return snapshot{}, nil, errs.Wrap(errs.MLSProcessingFailed, "derive next epoch secret", err)
	}
	next.RootSecret = newRoot

	for _, p := range proposals {
		if p.Kind != mlsprovider.ProposeAdd || p.KeyPackage == nil {
			continue
		}
		w := wireWelcome{
			GroupID:    next.GroupID,
			Epoch:      next.Epoch,
			Extensions: next.Extensions,
			Members:    next.Members,
			RootSecret: next.RootSecret,
			TargetRef:  p.KeyPackage.Ref,
		}
		wb, err := json.Marshal(w)
		if err != nil {
			return snapshot{}, nil, errs.Wrap(errs.MLSProcessingFailed, "marshal welcome", err)
		}
		welcomes[p.KeyPackage.Ref] = mlsprovider.Welcome{TLSBytes: wb}
	}

	return next, welcomes, nil
}

func toWireProposal(p mlsprovider.ProposalDesc) wireProposal {
	return wireProposal{Kind: p.Kind, KeyPackage: p.KeyPackage, RemoveIndex: p.RemoveIndex}
}

// CreateGroup, LoadGroup, NewKeyPackage, JoinGroup implement mlsprovider.Provider.

func (p *Provider) CreateGroup(groupID [32]byte, self mlsprovider.Credential, groupContextExtensions map[uint16][]byte) (mlsprovider.GroupState, error) {
	root := make([]byte, rootSecretLen)
	if _, err := rand.Read(root); err != nil {
		return nil, errs.Wrap(errs.MLSProcessingFailed, "generate initial epoch secret", err)
	}
	s := snapshot{
		GroupID:    groupID,
		Epoch:      1,
		Self:       self,
		Extensions: groupContextExtensions,
		Members:    []mlsprovider.Credential{self},
		RootSecret: root,
	}
	return &State{s: s}, nil
}

func (p *Provider) LoadGroup(snap []byte) (mlsprovider.GroupState, error) {
	var s snapshot
	if err := json.Unmarshal(snap, &s); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "unmarshal mls snapshot", err)
	}
	return &State{s: s}, nil
}

func (p *Provider) NewKeyPackage(self mlsprovider.Credential, lastResort bool) (mlsprovider.KeyPackagePublic, mlsprovider.KeyPackagePrivate, error) {
	var ref [32]byte
	if _, err := rand.Read(ref[:]); err != nil {
		return mlsprovider.KeyPackagePublic{}, mlsprovider.KeyPackagePrivate{}, errs.Wrap(errs.MLSProcessingFailed, "generate key package ref", err)
	}

	// Every key package carries a real X25519 leaf init key. memprovider
	// doesn't perform HPKE encryption against it (see package doc), but
	// publishing and storing a real leaf key keeps the key-package lifecycle
	// faithful to what a HPKE-backed provider would need from this data.
	leafPriv, leafPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return mlsprovider.KeyPackagePublic{}, mlsprovider.KeyPackagePrivate{}, errs.Wrap(errs.MLSProcessingFailed, "generate leaf key", err)
	}

	type wireKeyPackage struct {
		Credential mlsprovider.Credential
		Ref        [32]byte
		LastResort bool
		LeafPub    [32]byte
	}
	tls, err := json.Marshal(wireKeyPackage{Credential: self, Ref: ref, LastResort: lastResort, LeafPub: leafPub})
	if err != nil {
		return mlsprovider.KeyPackagePublic{}, mlsprovider.KeyPackagePrivate{}, errs.Wrap(errs.MLSProcessingFailed, "marshal key package", err)
	}

	type wireKeyPackagePrivate struct {
		LeafPriv [32]byte
	}
	privTLS, err := json.Marshal(wireKeyPackagePrivate{LeafPriv: leafPriv})
	if err != nil {
		return mlsprovider.KeyPackagePublic{}, mlsprovider.KeyPackagePrivate{}, errs.Wrap(errs.MLSProcessingFailed, "marshal key package private half", err)
	}

	pub := mlsprovider.KeyPackagePublic{Ref: ref, TLSBytes: tls, Credential: self, LastResort: lastResort}
	priv := mlsprovider.KeyPackagePrivate{Ref: ref, TLSBytes: privTLS, Credential: self}
	return pub, priv, nil
}

func (p *Provider) ParseKeyPackage(tlsBytes []byte) (mlsprovider.KeyPackagePublic, error) {
	type wireKeyPackage struct {
		Credential mlsprovider.Credential
		Ref        [32]byte
		LastResort bool
		LeafPub    [32]byte
	}
	var wkp wireKeyPackage
	if err := json.Unmarshal(tlsBytes, &wkp); err != nil {
		return mlsprovider.KeyPackagePublic{}, errs.Wrap(errs.DecodeFailed, "decode key package", err)
	}
	return mlsprovider.KeyPackagePublic{
		Ref:        wkp.Ref,
		TLSBytes:   tlsBytes,
		Credential: wkp.Credential,
		LastResort: wkp.LastResort,
	}, nil
}

func (p *Provider) JoinGroup(welcome mlsprovider.Welcome, candidates []mlsprovider.KeyPackagePrivate) (mlsprovider.GroupState, [32]byte, error) {
	var w wireWelcome
	if err := json.Unmarshal(welcome.TLSBytes, &w); err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.DecodeFailed, "decode welcome", err)
	}
	for _, c := range candidates {
		if c.Ref != w.TargetRef {
			continue
		}
		s := snapshot{
			GroupID:    w.GroupID,
			Epoch:      w.Epoch,
			Self:       c.Credential,
			Extensions: w.Extensions,
			Members:    w.Members,
			RootSecret: w.RootSecret,
		}
		return &State{s: s}, c.Ref, nil
	}
	return nil, [32]byte{}, errs.New(errs.WelcomeUnmatched, "no local key package matches this welcome")
}
