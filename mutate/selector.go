package mutate

import (
	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"

	"github.com/mjl-/flagstore/store"
)

// Selection is the set of candidate messages for a request, see
// SelectCandidates.
type Selection struct {
	// Scan the whole mailbox, skipping messages not known to the session. Set when
	// the request covers all messages of the session, to avoid a large filter.
	matchAll bool
	known    []store.UID // Session UIDs, for matchAll.

	// If not matchAll, the requested UIDs, sorted and without duplicates.
	uids []store.UID
}

// empty returns whether no message can match.
func (s Selection) empty() bool {
	if s.matchAll {
		return len(s.known) == 0
	}
	return len(s.uids) == 0
}

// contiguous returns whether uids is a single range of consecutive UIDs.
func (s Selection) contiguous() bool {
	n := len(s.uids)
	return n > 1 && int64(s.uids[n-1])-int64(s.uids[0])+1 == int64(n)
}

// filter adds conditions for the Selection to q.
func (s Selection) filter(q *bstore.Query[store.Message]) {
	if s.matchAll {
		return
	}
	if s.contiguous() {
		q.FilterGreaterEqual("UID", s.uids[0])
		q.FilterLessEqual("UID", s.uids[len(s.uids)-1])
		return
	}
	args := make([]any, len(s.uids))
	for i, uid := range s.uids {
		args[i] = uid
	}
	q.FilterEqual("UID", args...)
}

// skip returns whether a message returned by the query must be skipped.
func (s Selection) skip(uid store.UID) bool {
	if !s.matchAll {
		return false
	}
	_, ok := slices.BinarySearch(s.known, uid)
	return !ok
}

// SelectCandidates resolves the messages of a request to UIDs. Sequence
// numbers are mapped through the UIDs of the session. Requests covering
// exactly the messages known to the session select all messages.
func SelectCandidates(req Request) (Selection, error) {
	known := req.Session.UIDs
	if req.All {
		return Selection{matchAll: true, known: known}, nil
	}

	uids := make([]store.UID, 0, len(req.Messages))
	for _, n := range req.Messages {
		if req.IsUID {
			if n == 0 {
				return Selection{}, &UserError{Err: errBadUID}
			}
			uids = append(uids, n)
			continue
		}
		if n == 0 || int(n) > len(known) {
			return Selection{}, &UserError{Err: errBadSeq}
		}
		uids = append(uids, known[n-1])
	}
	slices.Sort(uids)
	uids = slices.Compact(uids)

	if len(uids) > 0 && len(uids) == len(known) {
		all := true
		for _, uid := range uids {
			if _, ok := slices.BinarySearch(known, uid); !ok {
				all = false
				break
			}
		}
		if all {
			return Selection{matchAll: true, known: known}, nil
		}
	}
	return Selection{uids: uids}, nil
}
