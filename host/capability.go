// Package host defines the capability surface the proposer core consumes
// from its environment (spec.md §9 "indirect capability injection") and
// provides two concrete implementations: one backed by a live Postgres
// instance via pgx, one backed by a local tidwall/wal store for
// sync-safekeepers bootstrapping, demos, and tests.
package host

import (
	"context"
	"time"

	"WP/term"
)

// WAL is the subset of the host database the proposer needs in order to
// produce outbound AppendRequest payloads and answer bootstrap questions.
// A production host wraps a live Postgres connection (PgxHost); a test or
// sync-mode host wraps a local byte store (WalStoreHost).
type WAL interface {
	// AvailableLsn returns the highest WAL position produced so far.
	AvailableLsn(ctx context.Context) (term.LSN, error)

	// RedoStartLsn returns the LSN at which the host's on-disk image
	// begins (spec.md §4.4 bootstrap clause and cross-check).
	RedoStartLsn(ctx context.Context) (term.LSN, error)

	// ReadWAL reads the byte range [begin, end) from the WAL stream.
	ReadWAL(ctx context.Context, begin, end term.LSN) ([]byte, error)

	// ConfirmWalStreamed lets the host reclaim segments below lsn
	// (spec.md §4.5 "min flush & truncate advancement").
	ConfirmWalStreamed(ctx context.Context, lsn term.LSN) error

	// FinishSyncSafekeepers ends sync-safekeepers mode (spec.md §9 "exit
	// semantics"). PgxHost's implementation exits the process; WalStoreHost's
	// records completion and returns, and the streaming engine then reports
	// done so the proposer sends nothing further.
	FinishSyncSafekeepers(ctx context.Context, lsn term.LSN) error

	Close(ctx context.Context) error
}

// Clock and Rand are injected so election/streaming logic is deterministic
// under test.
type Clock interface {
	Now() time.Time
}

type Rand interface {
	// ProposerID returns 16 random bytes used as this proposer incarnation's
	// identity in greetings and vote requests.
	ProposerID() [16]byte
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock implementation.
var SystemClock Clock = systemClock{}
