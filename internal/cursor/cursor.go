// Package cursor defines the composite ordering used everywhere a total
// order on transport events is needed.
package cursor

import "strings"

// Cursor is the canonical watermark for ingest resume and history
// pagination: (created_at, id), ordered lexicographically on the pair.
type Cursor struct {
	CreatedAt int64
	ID        string // 32-byte lowercase hex
}

// Compare orders a before b. It returns <0, 0, or >0, matching sort.Interface
// conventions. No component outside this file may compare by timestamp alone.
func Compare(a, b Cursor) int {
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt < b.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Less reports whether a sorts strictly before b.
func Less(a, b Cursor) bool {
	return Compare(a, b) < 0
}

// Max returns whichever of a, b sorts last.
func Max(a, b Cursor) Cursor {
	if Less(a, b) {
		return b
	}
	return a
}

// Zero is the cursor before any real event; every real cursor sorts after it.
var Zero = Cursor{CreatedAt: 0, ID: ""}
