// Package mlsprovider defines the contract this library needs from a
// conforming MLS provider (RFC 9420 primitives — AEAD, KEM, signature,
// ratchet tree math, key schedule). The library does not implement MLS
// itself; it packages, orders, persists, and enforces policy on top of
// whatever a Provider produces. See mlsprovider/memprovider for the
// in-process reference implementation this module ships.
package mlsprovider

import "encoding/hex"

// ContentType classifies an MLS handshake/application message into the
// application/proposal/commit split.
type ContentType uint8

const (
	ContentApplication ContentType = iota + 1
	ContentProposal
	ContentCommit
)

func (c ContentType) String() string {
	switch c {
	case ContentApplication:
		return "application"
	case ContentProposal:
		return "proposal"
	case ContentCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Credential is an MLS basic credential whose identity is a raw Nostr
// pubkey. Some legacy producers UTF-8-encode the hex string instead of
// the raw bytes; NostrPubkeyHex tolerates both.
type Credential struct {
	Identity []byte
}

// NostrPubkeyHex extracts the 64-char lowercase-hex Nostr pubkey this
// credential is bound to, tolerant of legacy UTF-8-encoded hex identities.
func (c Credential) NostrPubkeyHex() (string, bool) {
	if len(c.Identity) == 32 {
		return hex.EncodeToString(c.Identity), true
	}
	if len(c.Identity) == 64 && isLowerHexASCII(c.Identity) {
		return string(c.Identity), true
	}
	return "", false
}

func isLowerHexASCII(b []byte) bool {
	for _, c := range b {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// KeyPackagePublic is the public half of an MLS key package: what gets
// published in a kind=443 event.
type KeyPackagePublic struct {
	Ref        [32]byte
	TLSBytes   []byte
	Credential Credential
	LastResort bool
}

// KeyPackagePrivate is the private half: local-only init/leaf secrets kept
// until the key package is consumed by a Welcome.
type KeyPackagePrivate struct {
	Ref        [32]byte
	TLSBytes   []byte
	Credential Credential
}

// Welcome is an MLS Welcome message: TLS-encoded bytes enabling a new
// member to derive the group's current epoch secrets.
type Welcome struct {
	TLSBytes []byte
}

// AdminDecision is the admin-policy callback's verdict.
type AdminDecision int

const (
	Accept AdminDecision = iota
	Reject
)

// AdminCallback is invoked once per commit during ApplyCommit, given the
// group's current context extensions (so it can look up admin_pubkeys) and
// the commit's sender credential.
type AdminCallback func(groupExtensions map[uint16][]byte, sender Credential) AdminDecision

// ProposalKind distinguishes the three proposal shapes the runtime issues.
type ProposalKind uint8

const (
	ProposeAdd ProposalKind = iota
	ProposeRemove
	ProposeUpdate
)

// ProposalDesc describes a single proposal to fold into a commit.
type ProposalDesc struct {
	Kind        ProposalKind
	KeyPackage  *KeyPackagePublic // set when Kind == ProposeAdd
	RemoveIndex *uint32           // set when Kind == ProposeRemove
}

// DecodedContent is the classification of an inbound MLS message, produced
// by GroupState.Decode before the runtime decides how to apply it.
type DecodedContent struct {
	Type            ContentType
	Epoch           uint64
	Sender          Credential
	ApplicationData []byte // populated when Type == ContentApplication
}

// GroupState is a loaded, mutable view of one group's MLS client state.
// Every state-advancing method returns a *new* GroupState rather than
// mutating the receiver in place, so the runtime can hold onto the prior
// state until a commit is durably persisted, under the runtime's per-group
// serialization.
type GroupState interface {
	GroupID() []byte
	Epoch() uint64

	// Extensions returns the group context extensions, keyed by MLS
	// extension type id (e.g. groupmetadata.ExtensionType).
	Extensions() map[uint16][]byte

	// ExporterSecret derives a label+context-bound secret from the current
	// epoch's exporter secret, used by the envelope codec to key transport
	// AEAD.
	ExporterSecret(label string, context []byte, length int) ([]byte, error)

	// Snapshot serializes this state to the opaque bytes the group-state
	// store persists.
	Snapshot() ([]byte, error)

	// EncryptApplication wraps application bytes as an MLS application
	// message under the current epoch.
	EncryptApplication(data []byte) ([]byte, error)

	// CreateProposal builds a standalone MLS proposal message.
	CreateProposal(p ProposalDesc) ([]byte, error)

	// CreateCommit folds the given proposals (plus any cached pending ones)
	// into a commit, advancing to a *new* GroupState and producing one
	// Welcome per added key package, keyed by key-package ref.
	CreateCommit(proposals []ProposalDesc) (commitBytes []byte, welcomes map[[32]byte]Welcome, next GroupState, err error)

	// Decode classifies a raw MLS message without applying it.
	Decode(mlsMessage []byte) (DecodedContent, error)

	// ApplyCommit applies a commit message, invoking admin once with the
	// commit's sender credential. On Reject (or any MLS processing error)
	// the receiver is returned unchanged and accepted is false; the caller
	// MUST NOT treat a rejected/failed commit as having advanced state.
	ApplyCommit(commitBytes []byte, admin AdminCallback) (next GroupState, accepted bool, err error)

	// CachePendingProposal stashes a standalone proposal so a later commit
	// referencing it can apply it.
	CachePendingProposal(proposalBytes []byte) error
}

// Provider is the conforming MLS provider this library is built against.
type Provider interface {
	// CreateGroup constructs a fresh single-member group for the given
	// group id and creator credential, with the supplied group context
	// extensions (including the encoded Marmot group data extension).
	CreateGroup(groupID [32]byte, self Credential, groupContextExtensions map[uint16][]byte) (GroupState, error)

	// LoadGroup deserializes a previously persisted snapshot.
	LoadGroup(snapshot []byte) (GroupState, error)

	// NewKeyPackage generates a fresh key package for self, optionally
	// marked last-resort.
	NewKeyPackage(self Credential, lastResort bool) (KeyPackagePublic, KeyPackagePrivate, error)

	// ParseKeyPackage reconstructs a KeyPackagePublic's credential, ref, and
	// last-resort flag from the TLS bytes carried in an untrusted kind=443
	// event's content, so an inviter can fold it into a ProposeAdd without
	// having generated it locally.
	ParseKeyPackage(tlsBytes []byte) (KeyPackagePublic, error)

	// JoinGroup tries each local key-package candidate, in the caller's
	// priority order, against the Welcome's per-recipient secrets, and
	// applies the first one that matches.
	JoinGroup(welcome Welcome, candidates []KeyPackagePrivate) (state GroupState, matchedRef [32]byte, err error)
}
