package mutate

import (
	"fmt"

	"github.com/mjl-/flagstore/metrics"
	"github.com/mjl-/flagstore/store"
)

// apply changes the flags of m according to action, returning the new message
// and whether anything changed. Derived booleans are only changed for flags
// that were added or removed, except for ActionSet which recomputes all of
// them. trashLike is the TrashLike of the mailbox of m.
//
// Unknown actions cause a panic.
func apply(action Action, flags []string, m store.Message, trashLike bool) (store.Message, bool) {
	switch action {
	case ActionSet:
		nflags := store.DedupFlags(flags)
		if sameFlags(m.Flags, nflags) {
			return m, false
		}
		wasDeleted := !m.Undeleted
		m.Flags = nflags
		m.SetDerived()
		if !m.Undeleted {
			m.Searchable = false
		} else if wasDeleted {
			m.Searchable = !trashLike
		}
		return m, true

	case ActionAdd:
		nflags := append([]string{}, m.Flags...)
		var added []string
		for _, f := range flags {
			if !store.HasFlag(nflags, f) {
				nflags = append(nflags, f)
				added = append(added, f)
			}
		}
		if len(added) == 0 {
			return m, false
		}
		m.Flags = nflags
		for _, f := range added {
			switch store.CanonicalFlag(f) {
			case store.FlagSeen:
				m.Unseen = false
			case store.FlagFlagged:
				m.Flagged = true
			case store.FlagDeleted:
				m.Undeleted = false
				m.Searchable = false
			case store.FlagDraft:
				m.Draft = true
			}
		}
		return m, true

	case ActionRemove:
		nflags := make([]string, 0, len(m.Flags))
		var removed []string
		for _, f := range m.Flags {
			if store.HasFlag(flags, f) {
				removed = append(removed, f)
			} else {
				nflags = append(nflags, f)
			}
		}
		if len(removed) == 0 {
			return m, false
		}
		m.Flags = nflags
		for _, f := range removed {
			switch store.CanonicalFlag(f) {
			case store.FlagSeen:
				m.Unseen = true
			case store.FlagFlagged:
				m.Flagged = false
			case store.FlagDeleted:
				m.Undeleted = true
				m.Searchable = !trashLike
			case store.FlagDraft:
				m.Draft = false
			}
		}
		return m, true
	}

	metrics.PanicInc(metrics.Mutate)
	panic(fmt.Sprintf("unknown store action %q", action))
}

// sameFlags returns whether a and b have the same flags, compared
// case-insensitively. b must not have duplicates.
func sameFlags(a, b []string) bool {
	a = store.DedupFlags(a)
	if len(a) != len(b) {
		return false
	}
	for _, f := range b {
		if !store.HasFlag(a, f) {
			return false
		}
	}
	return true
}
