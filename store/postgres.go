package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/sage-paywall/types"
)

const invoiceSchema = `
CREATE TABLE IF NOT EXISTS invoices (
	invoice_id  TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	paid        BOOLEAN NOT NULL DEFAULT FALSE,
	version     BIGINT NOT NULL,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps invoices in a single table; the row version is the
// compare-and-swap guard.
type PostgresStore struct {
	DB *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{DB: db} }

// ConnectPostgres opens a pool for dsn and creates the table when missing.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, invoiceSchema); err != nil {
		return fmt.Errorf("create invoices table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Invoice, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM invoices WHERE invoice_id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRow(raw)
}

func (s *PostgresStore) Create(ctx context.Context, inv *types.Invoice) (*types.Invoice, bool, error) {
	if err := validateNew(inv); err != nil {
		return nil, false, err
	}
	stored := inv.Clone()
	stored.Version = 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, false, err
	}
	tag, err := s.DB.Exec(ctx,
		`INSERT INTO invoices(invoice_id,state,paid,version,doc) VALUES($1,$2,$3,$4,$5) ON CONFLICT (invoice_id) DO NOTHING`,
		stored.ID, string(stored.State), stored.Paid, stored.Version, doc)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, inv.ID)
		return existing, false, err
	}
	return stored, true, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.Invoice) (*types.Invoice, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM invoices WHERE invoice_id=$1 FOR UPDATE`, next.ID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cur, err := decodeRow(raw)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, conflict(next.ID, expectedVersion, cur.Version)
	}
	if err := checkTransition(cur, next); err != nil {
		return nil, err
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE invoices SET state=$2, paid=$3, version=$4, doc=$5, updated_at=now() WHERE invoice_id=$1 AND version=$6`,
		stored.ID, string(stored.State), stored.Paid, stored.Version, doc, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*types.Invoice, error) {
	rows, err := s.DB.Query(ctx, `SELECT doc FROM invoices ORDER BY created_at ASC, invoice_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Invoice
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		inv, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(context.Context) error {
	s.DB.Close()
	return nil
}

func decodeRow(raw []byte) (*types.Invoice, error) {
	var inv types.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice row: %w", err)
	}
	return &inv, nil
}
