package store

import (
	"errors"
	"fmt"
)

// MaxMailboxFlags limits the custom flag vocabulary of a mailbox. Adding flags
// fails when existing plus new flags would reach it.
const MaxMailboxFlags = 100

var ErrVocabularyFull = errors.New("mailbox flag vocabulary full")

// VocabularyFullError is returned by Vocabulary.Extend when flags cannot be
// added. It matches ErrVocabularyFull.
type VocabularyFullError struct {
	Have   int // Custom flags in vocabulary.
	Adding int // New flags that were to be added.
	Max    int
}

func (e *VocabularyFullError) Error() string {
	return fmt.Sprintf("%s: have %d, adding %d, max %d", ErrVocabularyFull, e.Have, e.Adding, e.Max)
}

func (e *VocabularyFullError) Is(target error) bool {
	return target == ErrVocabularyFull
}

// Vocabulary is the ordered set of custom flags of a mailbox, with a fixed
// capacity. Membership is case-insensitive, order and case of first addition
// are kept. System flags are implicitly members and never stored.
type Vocabulary struct {
	max   int
	flags []string
}

// NewVocabulary returns a vocabulary holding a copy of flags.
func NewVocabulary(flags []string, max int) *Vocabulary {
	return &Vocabulary{max, append([]string{}, flags...)}
}

// Contains returns whether flag is a system flag or in the vocabulary.
func (v *Vocabulary) Contains(flag string) bool {
	return IsSystemFlag(flag) || HasFlag(v.flags, flag)
}

// Missing returns the flags from l that are not in the vocabulary, without
// duplicates, in order of l.
func (v *Vocabulary) Missing(l []string) []string {
	var missing []string
	for _, f := range l {
		if !v.Contains(f) && !HasFlag(missing, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Extend adds the missing flags from l, returning those that were added. If
// the vocabulary would reach its capacity, a *VocabularyFullError is returned
// and the vocabulary is left unchanged.
func (v *Vocabulary) Extend(l []string) ([]string, error) {
	missing := v.Missing(l)
	if len(missing) == 0 {
		return nil, nil
	}
	if len(v.flags)+len(missing) >= v.max {
		return nil, &VocabularyFullError{len(v.flags), len(missing), v.max}
	}
	v.flags = append(v.flags, missing...)
	return missing, nil
}

// Flags returns a copy of the custom flags.
func (v *Vocabulary) Flags() []string {
	return append([]string{}, v.flags...)
}

func (v *Vocabulary) Len() int {
	return len(v.flags)
}
