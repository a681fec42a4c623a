// Package streaming implements the post-election hot path of spec.md §4.5:
// producing AppendRequest chunks for each Active acceptor, draining
// AppendResponse replies, computing the quorum commit LSN, advancing
// truncateLsn, and recognizing sync-safekeepers termination.
package streaming

import (
	"context"
	"fmt"
	"sort"

	"WP/host"
	"WP/safekeeper"
	"WP/sharedstate"
	"WP/term"
	"WP/utils"
	"WP/wire"
)

// MaxSendSize bounds one AppendRequest payload (spec.md §4.5).
const MaxSendSize = 16 * wire.XLogBlockSize

// FatalError reports an AppendResponse with a term higher than this
// proposer's, per spec.md §4.5 "Recv loop".
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "streaming: " + e.Reason }

// Engine carries the fixed-for-this-election values every chunk and every
// commit computation needs.
type Engine struct {
	Quorum            int
	Term              term.Term
	EpochStartLsn     term.LSN
	ProposerID        wire.UUID
	SyncSafekeepers   bool

	truncateLsn term.LSN

	host  host.WAL
	store *sharedstate.Block
}

// New constructs an Engine for one election's worth of streaming.
func New(quorum int, t term.Term, epochStartLsn, truncateLsn term.LSN, proposerID wire.UUID, syncSafekeepers bool, h host.WAL, store *sharedstate.Block) *Engine {
	return &Engine{
		Quorum:          quorum,
		Term:            t,
		EpochStartLsn:   epochStartLsn,
		ProposerID:      proposerID,
		SyncSafekeepers: syncSafekeepers,
		truncateLsn:     truncateLsn,
		host:            h,
		store:           store,
	}
}

func (e *Engine) TruncateLsn() term.LSN { return e.truncateLsn }

// SendChunks drives the per-acceptor send loop of spec.md §4.5 for one
// Active acceptor with write-ready interest. Unless an earlier partial write
// is still being flushed (then it sends nothing), it sends at least one
// message per call (a zero-length heartbeat if nothing new is available) so
// acks keep progressing, then returns.
func (e *Engine) SendChunks(ctx context.Context, acc *safekeeper.Acceptor, availableLsn term.LSN, commitLsn term.LSN) error {
	if acc.State != safekeeper.Active {
		return nil
	}
	acc.TryFlushPending()
	if acc.FlushWrite {
		return nil
	}

	sentOne := false
	for acc.StreamingAt < availableLsn || !sentOne {
		endLsn := utils.Min(acc.StreamingAt+term.LSN(MaxSendSize), availableLsn)
		payload, err := e.host.ReadWAL(ctx, acc.StreamingAt, endLsn)
		if err != nil {
			return fmt.Errorf("streaming: read WAL [%v,%v): %w", acc.StreamingAt, endLsn, err)
		}
		req := wire.AppendRequest{
			Term:          e.Term,
			EpochStartLsn: e.EpochStartLsn,
			BeginLsn:      acc.StreamingAt,
			EndLsn:        endLsn,
			CommitLsn:     commitLsn,
			TruncateLsn:   e.truncateLsn,
			ProposerID:    e.ProposerID,
			Payload:       payload,
		}
		if err := acc.SendAppend(req); err != nil {
			return fmt.Errorf("streaming: send append to acceptor %d: %w", acc.Index, err)
		}
		sentOne = true
		if acc.FlushWrite {
			e.store.IncBackpressure()
			return nil
		}
	}
	return nil
}

// OnAppendResponse folds one AppendResponse into shared feedback state and
// checks the fatal-abort term condition; the caller is responsible for
// draining all immediately available responses before acting on them once
// (proposer's handleAppendResponses; spec.md §4.5 "Recv loop").
func (e *Engine) OnAppendResponse(resp wire.AppendResponse) error {
	if resp.Term > e.Term {
		return &FatalError{Reason: fmt.Sprintf("append response term %d > propTerm %d", resp.Term, e.Term)}
	}
	e.store.SetFeedback(resp.Feedback)
	return nil
}

// QuorumCommitLsn computes the quorum commit LSN (spec.md §4.5): collect
// flushLsn for all acceptors, zero out any below epochStartLsn (cannot
// commit across a term boundary), sort ascending, return the element at
// index N-Q.
func (e *Engine) QuorumCommitLsn(acceptors []*safekeeper.Acceptor) term.LSN {
	n := len(acceptors)
	if n == 0 || e.Quorum > n {
		return 0
	}
	flushed := make([]term.LSN, n)
	for i, a := range acceptors {
		fl := a.AppendResponse.FlushLsn
		if fl < e.EpochStartLsn {
			fl = 0
		}
		flushed[i] = fl
	}
	sort.Slice(flushed, func(i, j int) bool { return flushed[i] < flushed[j] })
	return flushed[n-e.Quorum]
}

// AdvanceTruncateLsn implements spec.md §4.5's "min flush & truncate
// advancement": if every acceptor's flushLsn exceeds truncateLsn, raise it
// and tell the host to reclaim WAL segments below the new value. Returns
// true if truncateLsn advanced.
func (e *Engine) AdvanceTruncateLsn(ctx context.Context, acceptors []*safekeeper.Acceptor) (bool, error) {
	if len(acceptors) == 0 {
		return false, nil
	}
	min := acceptors[0].AppendResponse.FlushLsn
	for _, a := range acceptors[1:] {
		if a.AppendResponse.FlushLsn < min {
			min = a.AppendResponse.FlushLsn
		}
	}
	if min <= e.truncateLsn {
		return false, nil
	}
	e.truncateLsn = min
	if err := e.host.ConfirmWalStreamed(ctx, e.truncateLsn); err != nil {
		return false, fmt.Errorf("streaming: confirm WAL streamed to %v: %w", e.truncateLsn, err)
	}
	return true, nil
}

// MaybeFinishSyncSafekeepers implements spec.md §4.5's sync-safekeepers
// termination check: if every acceptor is Offline or caught up to
// epochStartLsn, and at least Quorum are caught up, send a final append
// with the latest truncateLsn to every still-connected acceptor via send,
// then tell the host to terminate. send is called once per acceptor that
// needs the final broadcast before terminating.
func (e *Engine) MaybeFinishSyncSafekeepers(ctx context.Context, acceptors []*safekeeper.Acceptor, send func(*safekeeper.Acceptor) error) (bool, error) {
	if !e.SyncSafekeepers {
		return false, nil
	}
	synced := 0
	for _, a := range acceptors {
		if a.State == safekeeper.Offline {
			continue
		}
		if a.AppendResponse.CommitLsn < e.EpochStartLsn {
			return false, nil
		}
		synced++
	}
	if synced < e.Quorum {
		return false, nil
	}
	for _, a := range acceptors {
		if a.State == safekeeper.Offline {
			continue
		}
		if err := send(a); err != nil {
			return false, fmt.Errorf("streaming: final broadcast to acceptor %d: %w", a.Index, err)
		}
	}
	if err := e.host.FinishSyncSafekeepers(ctx, e.EpochStartLsn); err != nil {
		return false, fmt.Errorf("streaming: finish sync safekeepers: %w", err)
	}
	return true, nil
}
