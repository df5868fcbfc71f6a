// Package auth supplies the identity collaborators around the sync
// core: user records, password verification, and JWT issuance. The
// core trusts the userId this package hands it; nothing below this
// layer re-checks credentials.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/worktreehq/worktree/pkg/history"
)

var (
	// ErrNameTaken means the username already exists.
	ErrNameTaken = errors.New("auth: username already exists")
	// ErrBadCredentials covers both unknown users and wrong passwords;
	// callers must not distinguish the two.
	ErrBadCredentials = errors.New("auth: wrong username or password")
	// ErrInvalidUsername / ErrInvalidPassword report registration
	// inputs outside the accepted shapes.
	ErrInvalidUsername = errors.New("auth: invalid username")
	ErrInvalidPassword = errors.New("auth: invalid password")
)

var (
	usernameRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	passwordRe  = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)
	hasLetterRe = regexp.MustCompile(`[A-Za-z]`)
	hasDigitRe  = regexp.MustCompile(`[0-9]`)
)

// ValidUsername reports whether name is an acceptable username.
func ValidUsername(name string) bool { return usernameRe.MatchString(name) }

// ValidPassword requires an alphanumeric password of at most 32 runes
// containing at least one letter and one digit.
func ValidPassword(pw string) bool {
	return passwordRe.MatchString(pw) && hasLetterRe.MatchString(pw) && hasDigitRe.MatchString(pw)
}

// User is one account.
type User struct {
	ID           string
	Name         string
	PasswordHash string
}

// Store persists users and provisions their history metadata.
type Store struct {
	db      *sql.DB
	history *history.Manager
}

// NewStore wraps an open database. The history manager is used to
// provision the metadata row at registration time.
func NewStore(db *sql.DB, hm *history.Manager) *Store {
	return &Store{db: db, history: hm}
}

// Migrate creates the users table if it does not exist. The schema is
// dialect-neutral.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("auth: migrate: %w", err)
	}
	return nil
}

// Register validates the inputs, creates the user and provisions an
// empty history chain for it.
func (s *Store) Register(ctx context.Context, name, password string) (*User, error) {
	if !ValidUsername(name) {
		return nil, ErrInvalidUsername
	}
	if !ValidPassword(password) {
		return nil, ErrInvalidPassword
	}
	if existing, err := s.byName(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrNameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	user := &User{
		ID:           strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:         name,
		PasswordHash: string(hash),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, password_hash) VALUES ($1, $2, $3)`,
		user.ID, user.Name, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	if err := s.history.Provision(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate checks a name/password pair and returns the user.
func (s *Store) Authenticate(ctx context.Context, name, password string) (*User, error) {
	user, err := s.byName(ctx, name)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return user, nil
}

func (s *Store) byName(ctx context.Context, name string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, password_hash FROM users WHERE name = $1`, name).
		Scan(&u.ID, &u.Name, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
