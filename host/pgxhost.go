package host

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"

	"WP/configs"
	"WP/term"
)

// PgxHost is the production WAL capability, backed by a live Postgres
// instance via pgxpool.ParseConfig + pgxpool.ConnectConfig, running the
// read-only queries the proposer needs to track available/redo LSNs.
type PgxHost struct {
	pool *pgxpool.Pool
}

// NewPgxHost connects to connString (a standard postgres:// URL) and returns
// a host.WAL backed by that connection.
func NewPgxHost(ctx context.Context, connString string) (*PgxHost, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("host: parse postgres config: %w", err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("host: connect to postgres: %w", err)
	}
	return &PgxHost{pool: pool}, nil
}

func (h *PgxHost) AvailableLsn(ctx context.Context) (term.LSN, error) {
	var lsnText string
	err := h.pool.QueryRow(ctx, "SELECT pg_current_wal_insert_lsn()::text").Scan(&lsnText)
	if err != nil {
		return 0, fmt.Errorf("host: query wal insert lsn: %w", err)
	}
	return parsePgLsn(lsnText)
}

func (h *PgxHost) RedoStartLsn(ctx context.Context) (term.LSN, error) {
	var lsnText string
	err := h.pool.QueryRow(ctx, "SELECT redo_lsn::text FROM pg_control_checkpoint()").Scan(&lsnText)
	if err != nil {
		return 0, fmt.Errorf("host: query redo lsn: %w", err)
	}
	return parsePgLsn(lsnText)
}

func (h *PgxHost) ReadWAL(ctx context.Context, begin, end term.LSN) ([]byte, error) {
	var data []byte
	err := h.pool.QueryRow(ctx,
		"SELECT data FROM pg_walfile_range_bytes($1::pg_lsn, $2::pg_lsn)",
		begin.String(), end.String()).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("host: read wal [%s, %s): %w", begin, end, err)
	}
	return data, nil
}

func (h *PgxHost) ConfirmWalStreamed(ctx context.Context, lsn term.LSN) error {
	_, err := h.pool.Exec(ctx, "SELECT pg_replication_slot_advance('walproposer', $1::pg_lsn)", lsn.String())
	if err != nil {
		return fmt.Errorf("host: confirm wal streamed up to %s: %w", lsn, err)
	}
	return nil
}

func (h *PgxHost) FinishSyncSafekeepers(ctx context.Context, lsn term.LSN) error {
	configs.Infof("sync-safekeepers reached quorum, exiting", configs.Fields{"lsn": lsn.String()})
	h.pool.Close()
	os.Exit(0)
	return nil
}

func (h *PgxHost) Close(ctx context.Context) error {
	h.pool.Close()
	return nil
}

// parsePgLsn parses Postgres's "%X/%X" pg_lsn text representation into an
// LSN, the inverse of term.LSN.String.
func parsePgLsn(s string) (term.LSN, error) {
	var hi, lo uint32
	if _, err := fmt.Sscanf(s, "%X/%X", &hi, &lo); err != nil {
		return 0, fmt.Errorf("host: malformed pg_lsn %q: %w", s, err)
	}
	return term.LSN(uint64(hi)<<32 | uint64(lo)), nil
}
