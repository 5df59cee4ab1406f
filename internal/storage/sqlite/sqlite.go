// Package sqlite is the default on-disk storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	time    INTEGER NOT NULL,
	name    TEXT    NOT NULL,
	mint    TEXT    NOT NULL UNIQUE,
	creator TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_name ON tokens(name);
CREATE INDEX IF NOT EXISTS idx_tokens_creator ON tokens(creator);

CREATE TABLE IF NOT EXISTS holdings (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	time                 INTEGER NOT NULL,
	token                TEXT    NOT NULL,
	token_name           TEXT    NOT NULL,
	balance              TEXT    NOT NULL,
	sol_paid             TEXT    NOT NULL,
	sol_fee_paid         TEXT    NOT NULL,
	sol_paid_usdc        TEXT    NOT NULL,
	sol_fee_paid_usdc    TEXT    NOT NULL,
	per_token_paid_usdc  TEXT    NOT NULL,
	slot                 INTEGER NOT NULL,
	program              TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holdings_token ON holdings(token);
`

// Store is a storage.Store backed by a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	log.Info().Str("path", path).Msg("sqlite: store ready")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (s *Store) FindTokensByNameOrCreator(ctx context.Context, name, creator string) ([]storage.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, name, mint, creator FROM tokens WHERE name = ? OR creator = ? ORDER BY id`,
		name, creator)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find tokens: %w", err)
	}
	defer rows.Close()

	var out []storage.TokenRecord
	for rows.Next() {
		var t storage.TokenRecord
		if err := rows.Scan(&t.ID, &t.Time, &t.Name, &t.Mint, &t.Creator); err != nil {
			return nil, fmt.Errorf("sqlite: scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindTokenByMint(ctx context.Context, mint string) (*storage.TokenRecord, error) {
	var t storage.TokenRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, time, name, mint, creator FROM tokens WHERE mint = ?`, mint).
		Scan(&t.ID, &t.Time, &t.Name, &t.Mint, &t.Creator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find token %s: %w", mint, err)
	}
	return &t, nil
}

func (s *Store) InsertNewToken(ctx context.Context, rec storage.TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (time, name, mint, creator) VALUES (?, ?, ?, ?)`,
		rec.Time, rec.Name, rec.Mint, rec.Creator)
	if err != nil {
		return fmt.Errorf("sqlite: insert token %s: %w", rec.Mint, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Holdings
// ---------------------------------------------------------------------------

const holdingColumns = `id, time, token, token_name, balance, sol_paid, sol_fee_paid,
	sol_paid_usdc, sol_fee_paid_usdc, per_token_paid_usdc, slot, program`

// InsertHolding replaces any previous holding of the same token.
func (s *Store) InsertHolding(ctx context.Context, rec storage.HoldingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE token = ?`, rec.Token); err != nil {
		return fmt.Errorf("sqlite: replace holding %s: %w", rec.Token, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO holdings (time, token, token_name, balance, sol_paid, sol_fee_paid,
			sol_paid_usdc, sol_fee_paid_usdc, per_token_paid_usdc, slot, program)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time, rec.Token, rec.TokenName,
		rec.Balance.String(), rec.SolPaid.String(), rec.SolFeePaid.String(),
		rec.SolPaidUSDC.String(), rec.SolFeePaidUSDC.String(), rec.PerTokenPaidUSDC.String(),
		int64(rec.Slot), rec.Program)
	if err != nil {
		return fmt.Errorf("sqlite: insert holding %s: %w", rec.Token, err)
	}
	return tx.Commit()
}

func (s *Store) RemoveHolding(ctx context.Context, mint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM holdings WHERE token = ?`, mint); err != nil {
		return fmt.Errorf("sqlite: remove holding %s: %w", mint, err)
	}
	return nil
}

func (s *Store) GetHolding(ctx context.Context, mint string) (*storage.HoldingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+holdingColumns+` FROM holdings WHERE token = ?`, mint)
	rec, err := scanHolding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get holding %s: %w", mint, err)
	}
	return rec, nil
}

func (s *Store) GetAllHoldings(ctx context.Context) ([]storage.HoldingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+holdingColumns+` FROM holdings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list holdings: %w", err)
	}
	defer rows.Close()

	var out []storage.HoldingRecord
	for rows.Next() {
		rec, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan holding: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHolding(row scanner) (*storage.HoldingRecord, error) {
	var (
		rec                                        storage.HoldingRecord
		balance, paid, fee, paidUSD, feeUSD, perTk string
		slot                                       int64
	)
	if err := row.Scan(&rec.ID, &rec.Time, &rec.Token, &rec.TokenName,
		&balance, &paid, &fee, &paidUSD, &feeUSD, &perTk, &slot, &rec.Program); err != nil {
		return nil, err
	}
	rec.Slot = uint64(slot)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.Balance, balance},
		{&rec.SolPaid, paid},
		{&rec.SolFeePaid, fee},
		{&rec.SolPaidUSDC, paidUSD},
		{&rec.SolFeePaidUSDC, feeUSD},
		{&rec.PerTokenPaidUSDC, perTk},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("decode %q: %w", f.src, err)
		}
	}
	return &rec, nil
}

var _ storage.Store = (*Store)(nil)
