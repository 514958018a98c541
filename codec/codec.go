// Package codec provides the value codec helpers shared by the VCS and
// Epoch Store: hex encoding of binary row values and the error-message
// classifier used to distinguish "no such table" / unique-constraint
// SQL errors from everything else.
package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Known rqlite/SQLite error substrings the stores classify on.
const (
	ErrNoSuchTable       = "no such table"
	ErrUniqueConstraint  = "UNIQUE constraint failed"
	ErrConnectionFailure = "connection error"
)

// HexEncode renders bytes as lowercase hex, two digits per byte, for
// embedding as a SQL text literal.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode reverses HexEncode. It rejects odd-length or non-hex input,
// per the invariant that a stored value is always a well-formed hex
// string.
func HexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string (len=%d)", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// MatchError reports whether candidate is a prefix of err. This is the
// deliberate prefix-match rendering of the source's matchError
// (std::mismatch over candidate vs. error, success when candidate is
// exhausted first) — see SPEC_FULL.md §13 for why prefix-match was
// chosen over the teacher's own substring-based containsErrorMessage.
func MatchError(err, candidate string) bool {
	return strings.HasPrefix(err, candidate)
}

// IsNoSuchTable reports whether err looks like a missing-table error.
func IsNoSuchTable(err string) bool {
	return MatchError(err, ErrNoSuchTable)
}

// IsUniqueViolation reports whether err looks like a unique-constraint
// violation (a lost provisioning race).
func IsUniqueViolation(err string) bool {
	return MatchError(err, ErrUniqueConstraint)
}
