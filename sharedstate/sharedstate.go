// Package sharedstate implements the single small mutex-protected block of
// spec.md §5: the pageserver feedback snapshot, the persisted
// mineLastElectedTerm, and an atomic backpressure counter read outside the
// lock. It is the only place in the proposer shared between the
// single-threaded core and the peripheral status/metrics readers.
package sharedstate

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	lock "github.com/viney-shih/go-lock"
	"go.mongodb.org/mongo-driver/bson"

	"WP/term"
	"WP/utils"
	"WP/wire"
)

// persistedState is the on-disk shape of mineLastElectedTerm, bson-encoded
// to a single small file instead of a live database collection.
type persistedState struct {
	MineLastElectedTerm term.Term `bson:"mine_last_elected_term"`
}

// Block is the shared block. Construct with New; it has no Close method, as
// go-lock's CASMutex holds no OS resources and the state file is written and
// closed on every SetMineLastElectedTerm.
type Block struct {
	mu   lock.CASMutex
	path string

	feedback wire.Feedback
	mineLastElectedTerm term.Term

	backpressure atomic.Uint64
}

// New loads any previously persisted mineLastElectedTerm from path (if it
// exists) and returns a ready Block.
func New(path string) (*Block, error) {
	b := &Block{mu: lock.NewCASMutex(), path: path}
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("sharedstate: read %s: %w", path, err)
	}
	var st persistedState
	if err := bson.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("sharedstate: decode %s: %w", path, err)
	}
	b.mineLastElectedTerm = st.MineLastElectedTerm
	return b, nil
}

// MineLastElectedTerm returns the persisted term this proposer process was
// last elected in (spec.md §4.4 "cross-check"/bootstrap self-recognition).
func (b *Block) MineLastElectedTerm() term.Term {
	if !b.mu.TryLockWithTimeout(lockTimeout) {
		panic(utils.ErrLockTimeout)
	}
	defer b.mu.Unlock()
	return b.mineLastElectedTerm
}

// SetMineLastElectedTerm updates and persists the term, per spec.md §4.4
// "update mineLastElectedTerm := propTerm".
func (b *Block) SetMineLastElectedTerm(ctx context.Context, t term.Term) error {
	if !b.mu.TryLockWithTimeout(lockTimeout) {
		return fmt.Errorf("sharedstate: %w", utils.ErrLockTimeout)
	}
	b.mineLastElectedTerm = t
	path := b.path
	b.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := bson.Marshal(persistedState{MineLastElectedTerm: t})
	if err != nil {
		return fmt.Errorf("sharedstate: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("sharedstate: write %s: %w", path, err)
	}
	return nil
}

// Feedback returns the latest pageserver feedback snapshot.
func (b *Block) Feedback() wire.Feedback {
	if !b.mu.TryLockWithTimeout(lockTimeout) {
		panic(utils.ErrLockTimeout)
	}
	defer b.mu.Unlock()
	return b.feedback
}

// SetFeedback replaces the pageserver feedback snapshot; called by the
// streaming engine's OnAppendResponse for each AppendResponse received.
func (b *Block) SetFeedback(f wire.Feedback) {
	if !b.mu.TryLockWithTimeout(lockTimeout) {
		panic(utils.ErrLockTimeout)
	}
	defer b.mu.Unlock()
	b.feedback = f
}

// Backpressure is read outside the mutex (spec.md §5): a plain atomic
// counter tracking how many times streaming had to stall on a full send
// buffer, exposed to metrics without touching the lock at all.
func (b *Block) Backpressure() uint64 {
	return b.backpressure.Load()
}

func (b *Block) IncBackpressure() {
	b.backpressure.Add(1)
}

const lockTimeout = 50 * time.Millisecond
