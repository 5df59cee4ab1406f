// Package postgres is the shared storage backend for multi-instance runs.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505"
)

// Store is a storage.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, verifies the connection and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	log.Info().Str("host", config.ConnConfig.Host).Str("db", config.ConnConfig.Database).Msg("postgres: store ready")
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("postgres: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	version, _, _ := m.Version()
	log.Debug().Uint("version", version).Msg("postgres: schema migrated")
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the migrate
// driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (s *Store) FindTokensByNameOrCreator(ctx context.Context, name, creator string) ([]storage.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, time, name, mint, creator FROM tokens WHERE name = $1 OR creator = $2 ORDER BY id`,
		name, creator)
	if err != nil {
		return nil, fmt.Errorf("postgres: find tokens: %w", err)
	}
	defer rows.Close()

	var out []storage.TokenRecord
	for rows.Next() {
		var t storage.TokenRecord
		if err := rows.Scan(&t.ID, &t.Time, &t.Name, &t.Mint, &t.Creator); err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindTokenByMint(ctx context.Context, mint string) (*storage.TokenRecord, error) {
	var t storage.TokenRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, time, name, mint, creator FROM tokens WHERE mint = $1`, mint).
		Scan(&t.ID, &t.Time, &t.Name, &t.Mint, &t.Creator)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find token %s: %w", mint, err)
	}
	return &t, nil
}

func (s *Store) InsertNewToken(ctx context.Context, rec storage.TokenRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (time, name, mint, creator) VALUES ($1, $2, $3, $4)`,
		rec.Time, rec.Name, rec.Mint, rec.Creator)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("postgres: token %s already recorded", rec.Mint)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert token %s: %w", rec.Mint, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Holdings
// ---------------------------------------------------------------------------

const holdingColumns = `id, time, token, token_name, balance::text, sol_paid::text, sol_fee_paid::text,
	sol_paid_usdc::text, sol_fee_paid_usdc::text, per_token_paid_usdc::text, slot, program`

// InsertHolding upserts by token.
func (s *Store) InsertHolding(ctx context.Context, rec storage.HoldingRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (time, token, token_name, balance, sol_paid, sol_fee_paid,
			sol_paid_usdc, sol_fee_paid_usdc, per_token_paid_usdc, slot, program)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (token) DO UPDATE SET
			time = EXCLUDED.time,
			token_name = EXCLUDED.token_name,
			balance = EXCLUDED.balance,
			sol_paid = EXCLUDED.sol_paid,
			sol_fee_paid = EXCLUDED.sol_fee_paid,
			sol_paid_usdc = EXCLUDED.sol_paid_usdc,
			sol_fee_paid_usdc = EXCLUDED.sol_fee_paid_usdc,
			per_token_paid_usdc = EXCLUDED.per_token_paid_usdc,
			slot = EXCLUDED.slot,
			program = EXCLUDED.program`,
		rec.Time, rec.Token, rec.TokenName,
		rec.Balance.String(), rec.SolPaid.String(), rec.SolFeePaid.String(),
		rec.SolPaidUSDC.String(), rec.SolFeePaidUSDC.String(), rec.PerTokenPaidUSDC.String(),
		int64(rec.Slot), rec.Program)
	if err != nil {
		return fmt.Errorf("postgres: insert holding %s: %w", rec.Token, err)
	}
	return nil
}

func (s *Store) RemoveHolding(ctx context.Context, mint string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM holdings WHERE token = $1`, mint); err != nil {
		return fmt.Errorf("postgres: remove holding %s: %w", mint, err)
	}
	return nil
}

func (s *Store) GetHolding(ctx context.Context, mint string) (*storage.HoldingRecord, error) {
	rec, err := scanHolding(s.pool.QueryRow(ctx, `SELECT `+holdingColumns+` FROM holdings WHERE token = $1`, mint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get holding %s: %w", mint, err)
	}
	return rec, nil
}

func (s *Store) GetAllHoldings(ctx context.Context) ([]storage.HoldingRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+holdingColumns+` FROM holdings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list holdings: %w", err)
	}
	defer rows.Close()

	var out []storage.HoldingRecord
	for rows.Next() {
		rec, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan holding: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanHolding(row pgx.Row) (*storage.HoldingRecord, error) {
	var (
		rec   storage.HoldingRecord
		nums  [6]string
		slot  int64
		dests = []*decimal.Decimal{
			&rec.Balance, &rec.SolPaid, &rec.SolFeePaid,
			&rec.SolPaidUSDC, &rec.SolFeePaidUSDC, &rec.PerTokenPaidUSDC,
		}
	)
	if err := row.Scan(&rec.ID, &rec.Time, &rec.Token, &rec.TokenName,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5], &slot, &rec.Program); err != nil {
		return nil, err
	}
	rec.Slot = uint64(slot)
	for i, s := range nums {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", s, err)
		}
		*dests[i] = d
	}
	return &rec, nil
}

var _ storage.Store = (*Store)(nil)
