// Package state persists per-account sync state: the last committed change
// cursor, the push watch expiry, and a bounded record of message IDs that
// were already delivered downstream.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DefaultDedupCapacity bounds the delivered-message record per account.
const DefaultDedupCapacity = 5000

// ErrAccountNotFound is returned when no account exists for the given key.
var ErrAccountNotFound = errors.New("state: account not found")

// Account is the sync state for one mailbox account. The cursor is the
// provider-issued change-log position of the last fully committed run; an
// empty cursor means the account has never synced.
type Account struct {
	ID          string
	Address     string
	Provider    string
	Cursor      string
	WatchExpiry time.Time
}

// Store is a SQLite-backed account state store. Writes go through single
// statements (or upserts) so a crash mid-write never leaves a torn row.
type Store struct {
	db       *sql.DB
	capacity int
}

// Open opens or creates the state database at dbPath. Use ":memory:" for
// an ephemeral store in tests.
func Open(dbPath string, dedupCapacity int) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		dbPath += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if dedupCapacity <= 0 {
		dedupCapacity = DefaultDedupCapacity
	}
	return &Store{db: db, capacity: dedupCapacity}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterAccount creates or updates the account's identity row, leaving any
// existing cursor and watch state untouched.
func (s *Store) RegisterAccount(ctx context.Context, id, address, provider string) error {
	if provider == "" {
		provider = "google"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, address, provider, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			address  = excluded.address,
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`, id, address, provider, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("register account: %w", err)
	}
	return nil
}

// LoadAccount returns the stored state for an account.
func (s *Store) LoadAccount(ctx context.Context, id string) (Account, error) {
	return s.loadAccount(ctx, "account_id", id)
}

// FindByAddress resolves an account by its canonical mailbox address. Push
// payloads identify the mailbox by address, not by account ID.
func (s *Store) FindByAddress(ctx context.Context, address string) (Account, error) {
	return s.loadAccount(ctx, "address", address)
}

func (s *Store) loadAccount(ctx context.Context, column, key string) (Account, error) {
	var (
		acct   Account
		expiry int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, address, provider, cursor, watch_expiry
		FROM accounts WHERE `+column+` = ?
	`, key).Scan(&acct.ID, &acct.Address, &acct.Provider, &acct.Cursor, &expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	if expiry != 0 {
		acct.WatchExpiry = time.Unix(expiry, 0)
	}
	return acct, nil
}

// SaveAccount persists the account's cursor and watch expiry. The write is a
// single upsert statement, so concurrent readers never observe a partial
// state.
func (s *Store) SaveAccount(ctx context.Context, acct Account) error {
	var expiry int64
	if !acct.WatchExpiry.IsZero() {
		expiry = acct.WatchExpiry.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, address, provider, cursor, watch_expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			address      = excluded.address,
			provider     = excluded.provider,
			cursor       = excluded.cursor,
			watch_expiry = excluded.watch_expiry,
			updated_at   = excluded.updated_at
	`, acct.ID, acct.Address, acct.Provider, acct.Cursor, expiry, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// ListAccounts returns every registered account.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, address, provider, cursor, watch_expiry
		FROM accounts ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			acct   Account
			expiry int64
		)
		if err := rows.Scan(&acct.ID, &acct.Address, &acct.Provider, &acct.Cursor, &expiry); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if expiry != 0 {
			acct.WatchExpiry = time.Unix(expiry, 0)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// MarkDelivered records a message ID as delivered for the account and prunes
// the oldest entries beyond the configured capacity. Eviction is FIFO by
// insertion order.
func (s *Store) MarkDelivered(ctx context.Context, accountID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delivered_messages (account_id, message_id, delivered_at)
		VALUES (?, ?, ?)
	`, accountID, messageID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM delivered_messages
		WHERE account_id = ? AND id NOT IN (
			SELECT id FROM delivered_messages
			WHERE account_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, accountID, accountID, s.capacity)
	if err != nil {
		return fmt.Errorf("prune delivered: %w", err)
	}
	return nil
}

// WasDelivered reports whether the message ID was already delivered for the
// account.
func (s *Store) WasDelivered(ctx context.Context, accountID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM delivered_messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return true, nil
}
