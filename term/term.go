// Package term holds the two primitive quantities the proposer reasons
// about: the election Term and the log sequence number LSN, plus the
// TermHistory that ties them together.
package term

import "fmt"

// Term is a monotonically increasing election number. A proposer commits to
// exactly one Term for its lifetime; seeing a response with a strictly
// higher Term is always a fatal condition once the proposer holds quorum.
type Term uint64

// LSN is a byte offset into the WAL stream. InvalidLSN marks "no position".
type LSN uint64

// InvalidLSN is the zero LSN: no position recorded yet.
const InvalidLSN LSN = 0

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// Entry is one (term, lsn) pair: "term T began at position L".
type Entry struct {
	Term Term
	LSN  LSN
}

// History is an ordered sequence of Entry. Invariants (asserted by Validate
// and relied on elsewhere):
//   - terms strictly increase from one entry to the next,
//   - LSNs are non-decreasing from one entry to the next,
//   - two histories that share a prefix of terms share the same LSNs for
//     that prefix (checked pairwise by CommonPrefixIndex, not by Validate).
type History []Entry

// Validate checks the single-history invariants (a) and (b) from spec.md §3.
func (h History) Validate() error {
	for i := 1; i < len(h); i++ {
		if h[i].Term <= h[i-1].Term {
			return fmt.Errorf("term: history not strictly increasing at %d: %d <= %d", i, h[i].Term, h[i-1].Term)
		}
		if h[i].LSN < h[i-1].LSN {
			return fmt.Errorf("term: history LSN decreased at %d: %d < %d", i, h[i].LSN, h[i-1].LSN)
		}
	}
	return nil
}

// LastTerm returns the highest term recorded in the history, i.e. the
// "epoch" of the node this history belongs to. An empty history has epoch 0.
func (h History) LastTerm() Term {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Term
}

// Append returns a new history with (t, lsn) appended. The caller is
// responsible for ensuring t is strictly greater than the last entry's term;
// Append panics otherwise, since a caller violating this has a logic bug,
// not a recoverable runtime condition.
func (h History) Append(t Term, lsn LSN) History {
	if len(h) > 0 {
		last := h[len(h)-1]
		if t <= last.Term {
			panic(fmt.Sprintf("term: Append with non-increasing term %d after %d", t, last.Term))
		}
		if lsn < last.LSN {
			panic(fmt.Sprintf("term: Append with LSN %d below previous %d", lsn, last.LSN))
		}
	}
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, Entry{Term: t, LSN: lsn})
}

// CommonPrefixIndex returns the index of the last entry shared between h and
// other when walked in lockstep, or -1 if there is no shared entry (either
// history is empty, or their first terms already differ). It panics if two
// entries at the same index share a term but disagree on LSN: invariant (c)
// of spec.md §3 guarantees this cannot happen between honest histories, so a
// violation indicates corruption worth crashing loudly over.
func (h History) CommonPrefixIndex(other History) int {
	n := len(h)
	if len(other) < n {
		n = len(other)
	}
	last := -1
	for i := 0; i < n; i++ {
		if h[i].Term != other[i].Term {
			break
		}
		if h[i].LSN != other[i].LSN {
			panic(fmt.Sprintf("term: history mismatch at term %d: %d != %d", h[i].Term, h[i].LSN, other[i].LSN))
		}
		last = i
	}
	return last
}
