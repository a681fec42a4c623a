// Package election drives the quorum handshake of spec.md §4.4: collecting
// greetings into a proposer term, collecting votes into a quorum decision,
// computing the epoch start LSN from the best-positioned acceptor, and
// handing every acceptor its personal startStreamingAt.
//
// Coordinator reads and writes safekeeper.Acceptor state but never touches
// a Transport directly; it is driven by Event values the proposer's main
// loop already pulled out of Acceptor.Advance, keeping safekeeper free of
// any dependency on this package.
package election

import (
	"context"
	"fmt"
	"sort"

	"WP/safekeeper"
	"WP/sharedstate"
	"WP/term"
	"WP/wire"
)

// FatalError means a concurrent proposer with a higher term exists, or this
// proposer cannot reach quorum: the proposer process must give up this
// election attempt entirely (spec.md §4.4 "abort fatally").
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "election: " + e.Reason }

// Coordinator runs exactly one election attempt for one proposer term.
// Create a fresh Coordinator for every reconnect-and-retry cycle.
type Coordinator struct {
	quorum     int
	proposerID wire.UUID
	walSegSize uint64
	syncMode   bool

	propTerm      term.Term
	termFinalized bool
	greetingsSeen int

	nVotes  int
	quorumHit bool

	voted []*safekeeper.Acceptor

	propTermHistory   term.History
	propEpochStartLsn term.LSN
	truncateLsn       term.LSN
	timelineStartLsn  term.LSN
	timelineMismatch  bool
	donor             *safekeeper.Acceptor
}

// New starts a fresh election. initialTerm seeds propTerm before any
// greeting arrives (normally 0; a restarted proposer may seed higher from
// sharedstate.Block.MineLastElectedTerm to avoid wasting an election round).
func New(quorum int, proposerID wire.UUID, walSegSize uint64, syncMode bool, initialTerm term.Term) *Coordinator {
	return &Coordinator{
		quorum:     quorum,
		proposerID: proposerID,
		walSegSize: walSegSize,
		syncMode:   syncMode,
		propTerm:   initialTerm,
	}
}

// OnGreeting folds one AcceptorGreeting into the proposer term tally
// (spec.md §4.4 "Greeting aggregation"). It returns a VoteRequest and true
// once the Q-th greeting lands and propTerm has been finalized; the caller
// must then send that VoteRequest to every acceptor currently in Voting.
func (c *Coordinator) OnGreeting(g wire.AcceptorGreeting) (wire.VoteRequest, bool) {
	if c.termFinalized {
		return wire.VoteRequest{}, false
	}
	if g.Term > c.propTerm {
		c.propTerm = g.Term
	}
	c.greetingsSeen++
	if c.greetingsSeen < c.quorum {
		return wire.VoteRequest{}, false
	}
	c.propTerm++
	c.termFinalized = true
	return wire.VoteRequest{Term: c.propTerm, ProposerID: c.proposerID}, true
}

// VoteOutcome reports what happened to one VoteResponse and what the caller
// must do about it.
type VoteOutcome struct {
	// QuorumJustReached is true exactly once: the caller must now send
	// ProposerElected to every acceptor sitting Idle (including this one).
	QuorumJustReached bool
	// SendElectedNow is true when the election was already decided before
	// this vote arrived: the caller sends ProposerElected to this acceptor
	// alone.
	SendElectedNow bool
	Elected        wire.ProposerElected
	// TimelineStartLsnMismatch is true exactly once, alongside
	// QuorumJustReached, when the voted acceptors disagreed on
	// timelineStartLsn (spec.md §4.4). Not fatal: the caller should warn
	// and count it.
	TimelineStartLsnMismatch bool
}

// OnVoteResponse folds one VoteResponse from acc into the vote tally
// (spec.md §4.4 "Vote collection"). host/mineLastElectedTerm/store are only
// consulted on the Q-th vote, when DetermineEpochStartLsn and the
// cross-check run.
func (c *Coordinator) OnVoteResponse(ctx context.Context, acc *safekeeper.Acceptor, vr wire.VoteResponse, host RedoStartLsner, store *sharedstate.Block) (VoteOutcome, error) {
	if !vr.VoteGiven {
		if vr.Term > c.propTerm || c.nVotes < c.quorum {
			return VoteOutcome{}, &FatalError{Reason: fmt.Sprintf("vote denied by acceptor %d (term %d, propTerm %d, nVotes %d/%d)", acc.Index, vr.Term, c.propTerm, c.nVotes, c.quorum)}
		}
	}
	if vr.Term != c.propTerm {
		return VoteOutcome{}, &FatalError{Reason: fmt.Sprintf("acceptor %d voted with term %d, expected %d", acc.Index, vr.Term, c.propTerm)}
	}

	c.nVotes++
	c.voted = append(c.voted, acc)

	if c.quorumHit {
		elected, err := c.buildElected(acc)
		if err != nil {
			return VoteOutcome{}, err
		}
		return VoteOutcome{SendElectedNow: true, Elected: elected}, nil
	}

	if c.nVotes < c.quorum {
		return VoteOutcome{}, nil
	}

	c.quorumHit = true
	if err := c.determineEpochStartLsn(ctx, host, store); err != nil {
		return VoteOutcome{}, err
	}
	elected, err := c.buildElected(acc)
	if err != nil {
		return VoteOutcome{}, err
	}
	return VoteOutcome{QuorumJustReached: true, Elected: elected, TimelineStartLsnMismatch: c.timelineMismatch}, nil
}

// RedoStartLsner is the one host.WAL method the election algorithm needs,
// kept narrow so tests can fake it without a full host.WAL.
type RedoStartLsner interface {
	RedoStartLsn(ctx context.Context) (term.LSN, error)
}

// determineEpochStartLsn implements spec.md §4.4's DetermineEpochStartLsn,
// bootstrap clause, proposer term history construction, and cross-check.
func (c *Coordinator) determineEpochStartLsn(ctx context.Context, host RedoStartLsner, store *sharedstate.Block) error {
	var donor *safekeeper.Acceptor
	var donorEpoch term.Term
	for _, a := range c.voted {
		epoch := a.VoteResponse.History.LastTerm()
		if donor == nil || epoch > donorEpoch ||
			(epoch == donorEpoch && a.VoteResponse.FlushLsn > donor.VoteResponse.FlushLsn) {
			donor = a
			donorEpoch = epoch
		}
		if a.VoteResponse.TruncateLsn > c.truncateLsn {
			c.truncateLsn = a.VoteResponse.TruncateLsn
		}
		if a.VoteResponse.TimelineStartLsn != 0 {
			if c.timelineStartLsn == 0 {
				c.timelineStartLsn = a.VoteResponse.TimelineStartLsn
			} else if c.timelineStartLsn != a.VoteResponse.TimelineStartLsn {
				// Mismatched timelineStartLsn across acceptors: warn-worthy
				// per spec.md §4.4, not fatal on its own. Reported to the
				// caller via VoteOutcome.TimelineStartLsnMismatch.
				c.timelineMismatch = true
			}
		}
	}
	if donor == nil {
		return &FatalError{Reason: "no voted acceptors to determine epoch start LSN from"}
	}
	c.donor = donor
	c.propEpochStartLsn = donor.VoteResponse.FlushLsn

	if c.propEpochStartLsn == 0 && !c.syncMode {
		redo, err := host.RedoStartLsn(ctx)
		if err != nil {
			return fmt.Errorf("election: redoStartLsn: %w", err)
		}
		c.propEpochStartLsn = redo
		c.truncateLsn = redo
	}

	c.propTermHistory = donor.VoteResponse.History.Append(c.propTerm, c.propEpochStartLsn)

	skipped := wire.SkipHeader(c.propEpochStartLsn, c.walSegSize, wire.XLogBlockSize, wire.XLogLongPageHeaderSize, wire.XLogShortPageHeaderSize)
	redo, err := host.RedoStartLsn(ctx)
	if err != nil {
		return fmt.Errorf("election: redoStartLsn: %w", err)
	}
	if skipped != redo {
		selfRestart := len(donor.VoteResponse.History) > 0 &&
			donor.VoteResponse.History.LastTerm() == store.MineLastElectedTerm()
		if !selfRestart {
			return &FatalError{Reason: fmt.Sprintf("cross-check failed: skipHeader(%v) = %v != redoStartLsn() = %v", c.propEpochStartLsn, skipped, redo)}
		}
	}

	if err := store.SetMineLastElectedTerm(ctx, c.propTerm); err != nil {
		return fmt.Errorf("election: persist mineLastElectedTerm: %w", err)
	}
	return nil
}

// buildElected computes startStreamingAt for acc (spec.md §4.4's final
// per-acceptor case split) and assembles the ProposerElected message.
func (c *Coordinator) buildElected(acc *safekeeper.Acceptor) (wire.ProposerElected, error) {
	start, err := c.startStreamingAt(acc)
	if err != nil {
		return wire.ProposerElected{}, err
	}
	return wire.ProposerElected{
		Term:             c.propTerm,
		StartStreamingAt: start,
		History:          c.propTermHistory,
		TimelineStartLsn: c.timelineStartLsn,
	}, nil
}

func (c *Coordinator) startStreamingAt(acc *safekeeper.Acceptor) (term.LSN, error) {
	h := acc.VoteResponse.History
	i := h.CommonPrefixIndex(c.propTermHistory)

	if i < 0 {
		start := c.propTermHistory[0].LSN
		if start < c.truncateLsn {
			start = c.truncateLsn
		}
		return start, nil
	}

	if c.propTermHistory[i].Term == c.propTerm {
		return acc.VoteResponse.FlushLsn, nil
	}

	if i+1 >= len(c.propTermHistory) {
		return term.LSN(0), fmt.Errorf("election: common prefix index %d has no successor entry in proposer history of length %d", i, len(c.propTermHistory))
	}
	next := c.propTermHistory[i+1].LSN
	accEnd := acc.VoteResponse.FlushLsn
	if i+1 < len(h) {
		accEnd = h[i+1].LSN
	}
	if accEnd < next {
		return accEnd, nil
	}
	return next, nil
}

// ElectedFor computes the ProposerElected message for acc, valid only after
// quorum has been hit. Used by the proposer's main loop to announce the
// election to every acceptor sitting Idle once quorum lands (spec.md §4.4:
// "for every acceptor currently in Idle, send ProposerElected").
func (c *Coordinator) ElectedFor(acc *safekeeper.Acceptor) (wire.ProposerElected, error) {
	return c.buildElected(acc)
}

// Quorum returns the number of acceptors required to win this election.
func (c *Coordinator) Quorum() int { return c.quorum }

// Term returns the finalized proposer term, valid only after the Q-th
// greeting has been processed.
func (c *Coordinator) Term() term.Term { return c.propTerm }

// EpochStartLsn returns propEpochStartLsn, valid only after quorum is hit.
func (c *Coordinator) EpochStartLsn() term.LSN { return c.propEpochStartLsn }

// TruncateLsn returns the agreed truncateLsn, valid only after quorum is hit.
func (c *Coordinator) TruncateLsn() term.LSN { return c.truncateLsn }

// TermHistory returns the proposer's term history, valid only after quorum
// is hit.
func (c *Coordinator) TermHistory() term.History { return c.propTermHistory }

// TimelineMismatch reports whether the voted acceptors disagreed on
// timelineStartLsn, valid only after quorum is hit.
func (c *Coordinator) TimelineMismatch() bool { return c.timelineMismatch }

// sortedVoterIndexes is a small test/debug helper: acceptor indexes in the
// order votes were recorded, sorted, for deterministic assertions.
func (c *Coordinator) sortedVoterIndexes() []int {
	out := make([]int, len(c.voted))
	for i, a := range c.voted {
		out[i] = a.Index
	}
	sort.Ints(out)
	return out
}
