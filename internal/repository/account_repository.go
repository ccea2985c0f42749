package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Account repository errors
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrUsernameAlreadyExists = errors.New("username already exists")
)

// AccountRepository defines the data access for accounts and their lockout
// state. Every lockout mutation is a single SQL statement.
type AccountRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetLockout(ctx context.Context, username string) (*LockoutState, error)
	RegisterFailure(ctx context.Context, username string, now time.Time, threshold int, lockFor time.Duration) (*FailureResult, error)
	ClearExpiredLock(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ResetFailedAttempts(ctx context.Context, id uuid.UUID, now time.Time) error
}

// accountRepository implements AccountRepository using PostgreSQL
type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, role, is_active,
	failed_login_attempts, locked_until, last_login_at, created_at, updated_at`

// Create inserts a new account
func (r *accountRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	role := user.Role
	if role == "" {
		role = "user"
	}

	err := r.pool.QueryRow(ctx, query,
		user.Username,
		strings.ToLower(user.Email),
		user.PasswordHash,
		role,
		true,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_users_username") {
			return ErrUsernameAlreadyExists
		}
		return err
	}

	user.Role = role
	user.IsActive = true
	return nil
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByUsername retrieves an account by username (case-insensitive)
func (r *accountRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

func (r *accountRepository) scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsActive,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetLockout reads the lockout columns of an account
func (r *accountRepository) GetLockout(ctx context.Context, username string) (*LockoutState, error) {
	query := `
		SELECT id, failed_login_attempts, locked_until
		FROM users
		WHERE LOWER(username) = LOWER($1)
	`

	state := &LockoutState{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&state.UserID,
		&state.FailedLoginAttempts,
		&state.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return state, nil
}

// registerFailureQuery increments the counter and decides the lock in one
// statement. The CTE takes the row lock, so concurrent executions serialize
// on the row and each one sees the counter left by the previous.
//
// A lock that has already expired restarts the count at 1. An active lock is
// left untouched (its expiry is not refreshed) while the counter keeps
// growing.
const registerFailureQuery = `
	WITH prev AS (
		SELECT id, locked_until,
		       CASE WHEN locked_until IS NOT NULL AND locked_until <= $2
		            THEN 0 ELSE failed_login_attempts END AS attempts
		FROM users
		WHERE LOWER(username) = LOWER($1)
		FOR UPDATE
	)
	UPDATE users u
	SET failed_login_attempts = prev.attempts + 1,
	    locked_until = CASE
	        WHEN prev.locked_until > $2 THEN prev.locked_until
	        WHEN prev.attempts + 1 >= $3 THEN $4::timestamptz
	        ELSE NULL
	    END,
	    updated_at = $2
	FROM prev
	WHERE u.id = prev.id
	RETURNING u.id, u.failed_login_attempts, u.locked_until, prev.locked_until
`

// RegisterFailure atomically records one failed attempt against username and
// locks the account for lockFor once the counter reaches threshold
func (r *accountRepository) RegisterFailure(ctx context.Context, username string, now time.Time, threshold int, lockFor time.Duration) (*FailureResult, error) {
	result := &FailureResult{}
	var previous *time.Time

	err := r.pool.QueryRow(ctx, registerFailureQuery,
		username,
		now,
		threshold,
		now.Add(lockFor),
	).Scan(&result.UserID, &result.FailedLoginAttempts, &result.LockedUntil, &previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	result.NewlyLocked = isNewLock(previous, result.LockedUntil)
	return result, nil
}

func isNewLock(previous, current *time.Time) bool {
	if current == nil {
		return false
	}
	return previous == nil || !previous.Equal(*current)
}

// ClearExpiredLock resets the lockout columns only when the lock has passed.
// It reports whether a row was reset.
func (r *accountRepository) ClearExpiredLock(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1 AND locked_until IS NOT NULL AND locked_until <= $2
	`

	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ResetFailedAttempts clears the lockout columns and stamps the successful
// login unconditionally
func (r *accountRepository) ResetFailedAttempts(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
