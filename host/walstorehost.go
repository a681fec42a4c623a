package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/wal"

	"WP/configs"
	"WP/term"
)

// WalStoreHost is a self-contained local WAL capability backed by
// github.com/tidwall/wal (a *wal.Log protected by a mutex) holding raw WAL
// byte ranges. Used for sync_safekeepers
// bootstrapping without a live Postgres instance, demos, and integration
// tests that want a real append-only log without a database.
type WalStoreHost struct {
	mu       sync.Mutex
	log      *wal.Log
	redoLsn  term.LSN
	finished bool
}

// NewWalStoreHost opens (creating if absent) a local WAL store at dir.
func NewWalStoreHost(dir string, redoLsn term.LSN) (*WalStoreHost, error) {
	l, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("host: open local wal store at %s: %w", dir, err)
	}
	return &WalStoreHost{log: l, redoLsn: redoLsn}, nil
}

// Append adds data as the next WAL bytes after AvailableLsn; a real
// host database wouldn't need this (WAL already exists on disk), but the
// local store has nowhere else to get bytes from, so production callers that
// choose WalStoreHost must feed it via Append before calling AvailableLsn.
func (h *WalStoreHost) Append(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, err := h.log.LastIndex()
	if err != nil {
		return err
	}
	return h.log.Write(idx+1, data)
}

func (h *WalStoreHost) AvailableLsn(ctx context.Context) (term.LSN, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, err := h.log.LastIndex()
	if err != nil {
		return 0, err
	}
	n := term.LSN(0)
	for i := uint64(1); i <= idx; i++ {
		b, err := h.log.Read(i)
		if err != nil {
			return 0, err
		}
		n += term.LSN(len(b))
	}
	return h.redoLsn + n, nil
}

func (h *WalStoreHost) RedoStartLsn(ctx context.Context) (term.LSN, error) {
	return h.redoLsn, nil
}

func (h *WalStoreHost) ReadWAL(ctx context.Context, begin, end term.LSN) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, err := h.log.LastIndex()
	if err != nil {
		return nil, err
	}
	var all []byte
	for i := uint64(1); i <= idx; i++ {
		b, err := h.log.Read(i)
		if err != nil {
			return nil, err
		}
		all = append(all, b...)
	}
	lo := uint64(begin - h.redoLsn)
	hi := uint64(end - h.redoLsn)
	if hi > uint64(len(all)) {
		hi = uint64(len(all))
	}
	if lo > hi {
		lo = hi
	}
	return all[lo:hi], nil
}

func (h *WalStoreHost) ConfirmWalStreamed(ctx context.Context, lsn term.LSN) error {
	configs.Debugf("local wal store: confirmed streamed", configs.Fields{"lsn": lsn.String()})
	return nil
}

func (h *WalStoreHost) FinishSyncSafekeepers(ctx context.Context, lsn term.LSN) error {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
	configs.Infof("sync-safekeepers reached quorum on local wal store", configs.Fields{"lsn": lsn.String()})
	return nil
}

// Finished reports whether FinishSyncSafekeepers was called; the local store
// variant does not os.Exit so tests can observe the terminal state.
func (h *WalStoreHost) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *WalStoreHost) Close(ctx context.Context) error {
	return h.log.Close()
}
