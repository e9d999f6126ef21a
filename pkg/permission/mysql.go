package permission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore backs blacklist and group-admin lookups with the bot database.
// It holds a pooled *sql.DB; every lookup is a point read against the pool's
// own concurrency control, matching the evaluator's no-caching contract.
type MySQLStore struct {
	db *sql.DB
}

// OpenMySQLStore opens a pooled connection to the given DSN and verifies it.
func OpenMySQLStore(dsn string, maxConns int) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql store: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql store: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) IsBlacklisted(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM blacklist WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blacklist query: %w", err)
	}
	return n > 0, nil
}

func (s *MySQLStore) IsGroupAdmin(ctx context.Context, userID, groupID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM group_admins WHERE user_id = ? AND group_id = ?",
		userID, groupID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("group admin query: %w", err)
	}
	return n > 0, nil
}

// Block inserts a user into the blacklist.
func (s *MySQLStore) Block(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO blacklist (user_id, blocked_at) VALUES (?, NOW())", userID)
	if err != nil {
		return fmt.Errorf("blacklist insert: %w", err)
	}
	return nil
}

// Unblock removes a user from the blacklist.
func (s *MySQLStore) Unblock(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blacklist WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("blacklist delete: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *MySQLStore) Close() error { return s.db.Close() }
