package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrBadPassword     = errors.New("bad password")
	ErrAccountBlocked  = errors.New("account is blocked")
)

// Account is a player account. The password hash never leaves the package.
type Account struct {
	Username  string    `json:"username"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitempty"`
}

// Accounts stores player credentials.
type Accounts struct {
	db         *Database
	autoCreate bool
	cost       int
}

const accountsSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		username TEXT PRIMARY KEY COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_login INTEGER NOT NULL DEFAULT 0
	);`

// NewAccounts creates the accounts table if needed. With autoCreate, the
// first login for an unknown username registers it.
func NewAccounts(d *Database, autoCreate bool) (*Accounts, error) {
	if err := d.Migrate(accountsSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate accounts: %w", err)
	}
	return &Accounts{db: d, autoCreate: autoCreate, cost: bcrypt.DefaultCost}, nil
}

// SetCost changes the bcrypt cost used for new hashes.
func (a *Accounts) SetCost(cost int) { a.cost = cost }

// Create registers a new account.
func (a *Accounts) Create(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = a.db.Exec(
		"INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hash), time.Now().Unix(),
	)
	if err != nil {
		if _, getErr := a.Get(username); getErr == nil {
			return fmt.Errorf("%w: %s", ErrAccountExists, username)
		}
		return fmt.Errorf("failed to create account %s: %w", username, err)
	}

	log.Info().Str("account", username).Msg("account created")
	return nil
}

// Authenticate checks a password and records the login time.
func (a *Accounts) Authenticate(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var hash string
	var blocked bool
	err := a.db.QueryRow(
		"SELECT password_hash, blocked FROM accounts WHERE username = ?", username,
	).Scan(&hash, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		if a.autoCreate && username != "" && password != "" {
			if err := a.Create(username, password); err != nil {
				return err
			}
			return a.touch(username)
		}
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", username, err)
	}

	if blocked {
		return fmt.Errorf("%w: %s", ErrAccountBlocked, username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return a.touch(username)
}

func (a *Accounts) touch(username string) error {
	_, err := a.db.Exec("UPDATE accounts SET last_login = ? WHERE username = ?", time.Now().Unix(), username)
	return err
}

// SetBlocked blocks or unblocks an account.
func (a *Accounts) SetBlocked(username string, blocked bool) error {
	res, err := a.db.Exec("UPDATE accounts SET blocked = ? WHERE username = ?", blocked, username)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	return nil
}

// Get returns one account.
func (a *Accounts) Get(username string) (Account, error) {
	var acc Account
	var created, last int64
	err := a.db.QueryRow(
		"SELECT username, blocked, created_at, last_login FROM accounts WHERE username = ?", username,
	).Scan(&acc.Username, &acc.Blocked, &created, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	if err != nil {
		return Account{}, err
	}
	acc.CreatedAt = time.Unix(created, 0)
	if last > 0 {
		acc.LastLogin = time.Unix(last, 0)
	}
	return acc, nil
}

// List returns every account ordered by name.
func (a *Accounts) List() ([]Account, error) {
	rows, err := a.db.Query("SELECT username, blocked, created_at, last_login FROM accounts ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var acc Account
		var created, last int64
		if err := rows.Scan(&acc.Username, &acc.Blocked, &created, &last); err != nil {
			return nil, err
		}
		acc.CreatedAt = time.Unix(created, 0)
		if last > 0 {
			acc.LastLogin = time.Unix(last, 0)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}
