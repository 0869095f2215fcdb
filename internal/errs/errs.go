// Package errs defines the library's error taxonomy: a fixed set of kinds,
// each an errors.Is-comparable sentinel, carried by a kind-tagged *Error that
// Wrap attaches to its cause.
package errs

import "errors"

// Kind identifies one of the taxonomy's error classes.
type Kind string

const (
	// Input validation
	InvalidPubkey Kind = "invalid_pubkey"
	InvalidRelayURL Kind = "invalid_relay_url"
	MalformedExtension Kind = "malformed_extension"
	CredentialBindingMismatch Kind = "credential_binding_mismatch"
	UnsupportedCredentialType Kind = "unsupported_credential_type"

	// Codec
	DecodeFailed Kind = "decode_failed"
	EncodingMismatch Kind = "encoding_mismatch"

	// Transport/MLS
	DecryptFailed Kind = "decrypt_failed"
	EpochMismatch Kind = "epoch_mismatch"
	UnreadableEvent Kind = "unreadable_event"
	CommitRejected Kind = "commit_rejected"
	MLSProcessingFailed Kind = "mls_processing_failed"
	WrongKind Kind = "wrong_kind"
	MalformedEnvelope Kind = "malformed_envelope"
	MissingRoutingTag Kind = "missing_routing_tag"

	// Policy
	NotAdmin Kind = "not_admin"
	WelcomeUnmatched Kind = "welcome_unmatched"
	NoMatchingKeyPackageEvent Kind = "no_matching_key_package_event"

	// I/O
	StoreFailure Kind = "store_failure"
	PublishFailed Kind = "publish_failed"
	NoRelayAck Kind = "no_relay_ack"
	RequestTimeout Kind = "request_timeout"

	// Lifecycle
	GroupAlreadyExists Kind = "group_already_exists"
	GroupNotFound Kind = "group_not_found"
)

// Error is a kind-tagged error. Compare with errors.Is against an *Error of
// the same Kind (e.g. the Err* sentinels), or use Of(err) to read the kind.
type Error struct {
	Kind Kind
	Msg string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, New(SomeKind, "")) match any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Of extracts the Kind from err if it (or something it wraps) is an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel constructors for errors.Is comparisons that need no message.
func sentinel(k Kind) error { return &Error{Kind: k} }

var (
	ErrInvalidPubkey = sentinel(InvalidPubkey)
	ErrInvalidRelayURL = sentinel(InvalidRelayURL)
	ErrMalformedExtension = sentinel(MalformedExtension)
	ErrCredentialBindingMismatch = sentinel(CredentialBindingMismatch)
	ErrUnsupportedCredentialType = sentinel(UnsupportedCredentialType)
	ErrDecodeFailed = sentinel(DecodeFailed)
	ErrEncodingMismatch = sentinel(EncodingMismatch)
	ErrDecryptFailed = sentinel(DecryptFailed)
	ErrEpochMismatch = sentinel(EpochMismatch)
	ErrUnreadableEvent = sentinel(UnreadableEvent)
	ErrCommitRejected = sentinel(CommitRejected)
	ErrMLSProcessingFailed = sentinel(MLSProcessingFailed)
	ErrNotAdmin = sentinel(NotAdmin)
	ErrWelcomeUnmatched = sentinel(WelcomeUnmatched)
	ErrNoMatchingKeyPackageEvent = sentinel(NoMatchingKeyPackageEvent)
	ErrStoreFailure = sentinel(StoreFailure)
	ErrPublishFailed = sentinel(PublishFailed)
	ErrNoRelayAck = sentinel(NoRelayAck)
	ErrRequestTimeout = sentinel(RequestTimeout)
	ErrGroupAlreadyExists = sentinel(GroupAlreadyExists)
	ErrGroupNotFound = sentinel(GroupNotFound)
)
