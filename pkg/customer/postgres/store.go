package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vedrankolka/contract-mailer/pkg/customer"
)

// Schema creates the customers table when the service owns a local copy of
// the profile store. Annotations live in a jsonb column merged with ||.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
    customer_ref TEXT PRIMARY KEY,
    email        TEXT,
    name         TEXT,
    annotations  JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create customers table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref string) (*customer.Record, error) {
	query := `
		SELECT customer_ref, COALESCE(email, ''), COALESCE(name, ''), annotations
		FROM customers
		WHERE customer_ref = $1
	`
	var (
		r   customer.Record
		raw []byte
	)
	err := s.db.QueryRow(ctx, query, ref).Scan(&r.Ref, &r.Email, &r.Name, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select customer %q: %w", ref, err)
	}

	r.Fields = map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Fields); err != nil {
			return nil, fmt.Errorf("decode annotations for customer %q: %w", ref, err)
		}
	}
	return &r, nil
}

func (s *Store) Annotate(ctx context.Context, ref string, fields map[string]string) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	query := `
		UPDATE customers
		SET annotations = annotations || $2::jsonb, updated_at = NOW()
		WHERE customer_ref = $1
	`
	tag, err := s.db.Exec(ctx, query, ref, string(patch))
	if err != nil {
		return fmt.Errorf("annotate customer %q: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return customer.ErrNotFound
	}
	return nil
}

func (s *Store) AnnotateUnless(ctx context.Context, ref, key, value string, fields map[string]string) (bool, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE customers
		SET annotations = annotations || $2::jsonb, updated_at = NOW()
		WHERE customer_ref = $1 AND COALESCE(annotations->>$3, '') <> $4
	`
	tag, err := s.db.Exec(ctx, query, ref, string(patch), key, value)
	if err != nil {
		return false, fmt.Errorf("conditionally annotate customer %q: %w", ref, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE customer_ref = $1)`, ref).Scan(&exists); err != nil {
		return false, fmt.Errorf("check customer %q: %w", ref, err)
	}
	if !exists {
		return false, customer.ErrNotFound
	}
	return false, nil
}
