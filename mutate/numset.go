package mutate

import (
	"fmt"
	"strings"

	"github.com/mjl-/flagstore/store"
)

type numRange struct {
	first uint32
	last  uint32 // Equal to first for a single number.
}

type numSet []numRange

func (ns numSet) String() string {
	var b strings.Builder
	for i, r := range ns {
		if i > 0 {
			b.WriteByte(',')
		}
		if r.first == r.last {
			fmt.Fprintf(&b, "%d", r.first)
		} else {
			fmt.Fprintf(&b, "%d:%d", r.first, r.last)
		}
	}
	return b.String()
}

// compactUIDSet returns a set with ranges for consecutive numbers. l must be
// sorted.
func compactUIDSet(l []store.UID) (r numSet) {
	for len(l) > 0 {
		e := 1
		for ; e < len(l) && l[e] == l[e-1]+1; e++ {
		}
		r = append(r, numRange{uint32(l[0]), uint32(l[e-1])})
		l = l[e:]
	}
	return
}
