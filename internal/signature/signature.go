// Package signature canonicalizes a task's defining content into a stable
// identity, so history from an older run can be correlated with the same
// logical task in a newer run.
package signature

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"modelbench/internal/domain"
)

// Compute returns the content hash of the task's defining fields. Pure and
// total: no side effects, never fails.
//
// Normalization:
//   - surrounding whitespace is trimmed on every text field;
//   - acceptance/rejection set members are trimmed, case-folded and sorted
//     before hashing, so permuting an unordered set never changes identity;
//   - every field is length-prefixed, so no two field layouts collide.
//
// Any semantic change to the system instructions, prompt, or either set
// changes the result.
func Compute(f domain.TaskFields) domain.Signature {
	h := sha256.New()
	writeField(h, strings.TrimSpace(f.System))
	writeField(h, strings.TrimSpace(f.Prompt))
	writeSet(h, f.Accept)
	writeSet(h, f.Reject)
	return domain.Signature(hex.EncodeToString(h.Sum(nil)))
}

// Normalize returns the canonical form of the defining fields: the form
// Compute hashes and the form history entries record for the mismatch check.
func Normalize(f domain.TaskFields) domain.TaskFields {
	return domain.TaskFields{
		System: strings.TrimSpace(f.System),
		Prompt: strings.TrimSpace(f.Prompt),
		Accept: normalizeSet(f.Accept),
		Reject: normalizeSet(f.Reject),
	}
}

// Equal reports whether two defining-field sets are evaluation-equivalent.
func Equal(a, b domain.TaskFields) bool {
	na, nb := Normalize(a), Normalize(b)
	if na.System != nb.System || na.Prompt != nb.Prompt {
		return false
	}
	return sliceEqual(na.Accept, nb.Accept) && sliceEqual(na.Reject, nb.Reject)
}

func normalizeSet(members []string) []string {
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeSet(h hash.Hash, members []string) {
	norm := normalizeSet(members)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(norm)))
	h.Write(n[:])
	for _, m := range norm {
		writeField(h, m)
	}
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
