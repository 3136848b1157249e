// Package revtree implements revision-ID parsing, formatting, comparison,
// and suffix derivation for couchkeep's MVCC revision trees.
//
// A revision ID has the form "<generation>-<suffix>": generation is a
// positive integer, suffix is an opaque token. Siblings order by
// generation first, then lexicographically descending on suffix.
package revtree

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// ID is a parsed revision identifier.
type ID struct {
	Generation int
	Suffix     string
}

// String formats the ID back into "<generation>-<suffix>" form.
func (id ID) String() string {
	return strconv.Itoa(id.Generation) + "-" + id.Suffix
}

// Parse splits a rev_id string on the first '-'. Generation must be a
// positive integer; the remainder (which may itself contain '-') is the
// suffix.
func Parse(revID string) (ID, error) {
	idx := strings.IndexByte(revID, '-')
	if idx <= 0 {
		return ID{}, storeerr.Validation(fmt.Sprintf("malformed rev id %q", revID))
	}
	gen, err := strconv.Atoi(revID[:idx])
	if err != nil || gen <= 0 {
		return ID{}, storeerr.Validation(fmt.Sprintf("malformed rev id %q: generation must be a positive integer", revID))
	}
	suffix := revID[idx+1:]
	if suffix == "" {
		return ID{}, storeerr.Validation(fmt.Sprintf("malformed rev id %q: empty suffix", revID))
	}
	return ID{Generation: gen, Suffix: suffix}, nil
}

// Compare orders two revision IDs per spec.md §3: higher generation wins;
// on a tie, lexicographically descending suffix wins. It returns a
// positive number if a sorts before b (a is "higher"), negative if b sorts
// before a, and zero if they are equal.
func Compare(a, b ID) int {
	if a.Generation != b.Generation {
		return a.Generation - b.Generation
	}
	return strings.Compare(a.Suffix, b.Suffix)
}

// Less reports whether a is strictly lower-ranked than b (i.e. b would be
// preferred as a winner over a).
func Less(a, b ID) bool {
	return Compare(a, b) < 0
}

// NextSuffix computes the deterministic suffix for a new child revision:
// MD5 of the parent's suffix concatenated with the canonical JSON body
// bytes, matching CouchDB peers' digest scheme so independently-applied
// writes converge on the same rev ID. An empty parentSuffix means this is
// a first-generation revision.
func NextSuffix(parentSuffix string, body []byte) string {
	h := md5.New()
	h.Write([]byte(parentSuffix))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// NewChild builds the rev_id for a new revision given its parent (nil for
// a first-generation revision) and body bytes.
func NewChild(parent *ID, body []byte) ID {
	gen := 1
	parentSuffix := ""
	if parent != nil {
		gen = parent.Generation + 1
		parentSuffix = parent.Suffix
	}
	return ID{Generation: gen, Suffix: NextSuffix(parentSuffix, body)}
}

// ValidateChildGeneration checks that child is exactly one generation
// ahead of parent (or generation 1 when parent is nil), as required by
// forceInsert's ancestry validation in spec.md §4.C.
func ValidateChildGeneration(parent *ID, child ID) error {
	wantGen := 1
	if parent != nil {
		wantGen = parent.Generation + 1
	}
	if child.Generation != wantGen {
		return storeerr.Validation(fmt.Sprintf("revision %s has generation %d, expected %d", child, child.Generation, wantGen))
	}
	return nil
}

// SortKey returns a byte-comparable key for a revision ID such that
// bbolt's natural key ordering reproduces Compare's ordering (descending
// generation, then descending suffix) when keys are iterated in reverse.
// Generation is zero-padded to a fixed width so string comparison agrees
// with numeric comparison.
func SortKey(id ID) string {
	return fmt.Sprintf("%020d-%s", id.Generation, id.Suffix)
}
