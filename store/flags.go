package store

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
	"golang.org/x/text/cases"
)

// System flags, in canonical spelling.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`

	// Maintained by the server, cannot be stored by clients.
	FlagRecent = `\Recent`
)

// SystemFlags are the flags that are always valid in a mailbox and never part
// of its custom vocabulary.
var SystemFlags = []string{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft}

// ErrFlagInvalid is returned for flags that cannot be stored.
var ErrFlagInvalid = errors.New("invalid flag")

// NormalizeFlag returns the form of a flag used for comparisons: trimmed and
// case-folded. Stored flags keep the case they were stored with.
func NormalizeFlag(s string) string {
	// A Caser is not safe for concurrent use.
	return cases.Fold().String(strings.TrimSpace(s))
}

// EqualFlag returns whether a and b are the same flag.
func EqualFlag(a, b string) bool {
	return NormalizeFlag(a) == NormalizeFlag(b)
}

// IsSystemFlag returns whether s is one of SystemFlags, case-insensitively.
func IsSystemFlag(s string) bool {
	return slices.IndexFunc(SystemFlags, func(f string) bool { return EqualFlag(f, s) }) >= 0
}

// CanonicalFlag returns the canonical spelling for system flags, e.g. \Seen
// for \SEEN, and s unchanged for other flags.
func CanonicalFlag(s string) string {
	for _, f := range SystemFlags {
		if EqualFlag(f, s) {
			return f
		}
	}
	return s
}

// FlagIndex returns the index of flag in l, compared case-insensitively, or -1.
func FlagIndex(l []string, flag string) int {
	nf := NormalizeFlag(flag)
	return slices.IndexFunc(l, func(f string) bool { return NormalizeFlag(f) == nf })
}

// HasFlag returns whether l contains flag, compared case-insensitively.
func HasFlag(l []string, flag string) bool {
	return FlagIndex(l, flag) >= 0
}

// DedupFlags returns a new list with the first occurrence of each flag in l,
// compared case-insensitively.
func DedupFlags(l []string) []string {
	r := make([]string, 0, len(l))
	seen := map[string]struct{}{}
	for _, f := range l {
		nf := NormalizeFlag(f)
		if _, ok := seen[nf]; ok {
			continue
		}
		seen[nf] = struct{}{}
		r = append(r, f)
	}
	return r
}

// ParseFlags checks flags from a client and returns them with system flags in
// canonical spelling. Errors match ErrFlagInvalid.
func ParseFlags(l []string) ([]string, error) {
	r := make([]string, 0, len(l))
	for _, f := range l {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, fmt.Errorf("%w: empty flag", ErrFlagInvalid)
		}
		if strings.HasPrefix(f, `\`) {
			if EqualFlag(f, FlagRecent) {
				return nil, fmt.Errorf("%w: %s cannot be stored", ErrFlagInvalid, FlagRecent)
			}
			if !IsSystemFlag(f) {
				return nil, fmt.Errorf("%w: unknown system flag %q", ErrFlagInvalid, f)
			}
			r = append(r, CanonicalFlag(f))
			continue
		}
		for _, c := range f {
			// ../rfc/9051:6334
			const atomspecials = `(){%*"\]`
			if c <= ' ' || c > 0x7e || strings.ContainsRune(atomspecials, c) {
				return nil, fmt.Errorf("%w: bad character in %q", ErrFlagInvalid, f)
			}
		}
		r = append(r, f)
	}
	return r, nil
}
