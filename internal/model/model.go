// Package model holds the plain data shapes shared across store and
// runtime boundaries: the composite-cursor-indexed history entry and
// the classified outcome of processing one outer event.
package model

import (
	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/cursor"
)

type (
	// HistoryEntry is a decrypted application rumor bound to the outer
	// transport event that carried it.
	HistoryEntry struct {
		Rumor rumor.Rumor
		Outer cursor.Cursor
	}

	// Outcome classifies one outer event after a batch has been processed,
	// for callers that want visibility into commits/rejections/failures
	// alongside the rumors ingest yields.
	Outcome struct {
		Outer cursor.Cursor
		Result OutcomeKind
		Reason string // populated for Unreadable, CommitRejected and CommitRaceLoser
	}

	OutcomeKind int
)

const (
	OutcomeRumor OutcomeKind = iota
	OutcomeCommitApplied
	OutcomeCommitRejected
	OutcomeCommitRaceLoser
	OutcomeProposalCached
	OutcomeUnreadable
)
