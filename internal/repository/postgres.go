package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"expense-agent/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// ErrDuplicateID signals a primary key collision on insert. Expense IDs are
// generated fresh per save, so hitting this is a logic-bug signal upstream,
// not a transient store failure, and must stay distinguishable in logs.
var ErrDuplicateID = errors.New("repository: duplicate expense id")

// database is the minimal pgx interface required by Store.
// *pgxpool.Pool satisfies this interface. Defined here for testability.
type database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the append-only expense ledger over Postgres. All filters are
// parameterized; user-supplied values never reach the SQL text.
type Store struct {
	db database
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("repository: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	return pool, nil
}

// New creates a Store over the given database handle.
func New(db database) (*Store, error) {
	if db == nil {
		return nil, errors.New("repository: database must not be nil")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the expenses table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS expenses (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			date DATE NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			category TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("repository: ensure schema: %w", err)
	}
	return nil
}

// Insert writes a new expense row. An existing identifier is never
// overwritten; a collision surfaces as ErrDuplicateID.
func (s *Store) Insert(ctx context.Context, e domain.Expense) error {
	if e.ID == "" {
		return errors.New("repository: expense id is required")
	}
	if e.UserID == "" {
		return errors.New("repository: user id is required")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO expenses (id, user_id, date, price, category, description)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.Date, e.Price, e.Category, e.Description)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		return fmt.Errorf("repository: insert expense: %w", err)
	}
	return nil
}

const selectColumns = `id, user_id, date::text, price, category, description`

// QueryByCategory returns the sender's expenses in a category, oldest first.
// Matching is case-insensitive; stored categories are already lowercased.
func (s *Store) QueryByCategory(ctx context.Context, userID, category string) ([]domain.Expense, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM expenses
		 WHERE user_id = $1 AND category = $2
		 ORDER BY date`,
		userID, strings.ToLower(strings.TrimSpace(category)))
	if err != nil {
		return nil, fmt.Errorf("repository: query by category: %w", err)
	}
	return scanExpenses(rows)
}

// QueryByDateRange returns the sender's expenses within an inclusive date
// range, oldest first.
func (s *Store) QueryByDateRange(ctx context.Context, userID, start, end string) ([]domain.Expense, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM expenses
		 WHERE user_id = $1 AND date >= $2::date AND date <= $3::date
		 ORDER BY date`,
		userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("repository: query by date range: %w", err)
	}
	return scanExpenses(rows)
}

func scanExpenses(rows pgx.Rows) ([]domain.Expense, error) {
	defer rows.Close()

	var expenses []domain.Expense
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.UserID, &e.Date, &e.Price, &e.Category, &e.Description); err != nil {
			return nil, fmt.Errorf("repository: scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: read rows: %w", err)
	}
	return expenses, nil
}
