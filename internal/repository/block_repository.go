package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Block repository errors
var (
	ErrBlockNotFound = errors.New("no active block")
	// ErrBlockStoreMissing means the ip_blocks table has not been provisioned
	ErrBlockStoreMissing = errors.New("ip_blocks table does not exist")
)

// pgUndefinedTable is SQLSTATE 42P01
const pgUndefinedTable = "42P01"

// BlockRepository defines the data access for source address blocks.
// (ip_address, block_type) is unique, so there is never more than one
// active block per address and category.
type BlockRepository interface {
	GetActive(ctx context.Context, ipAddress string, now time.Time) (*IPBlock, error)
	ExtendActive(ctx context.Context, ipAddress, blockType string, now time.Time, extendBy time.Duration) (*IPBlock, error)
	CreateOrReplaceExpired(ctx context.Context, block *IPBlock) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// blockRepository implements BlockRepository using PostgreSQL
type blockRepository struct {
	pool *pgxpool.Pool
}

// NewBlockRepository creates a new BlockRepository instance
func NewBlockRepository(pool *pgxpool.Pool) BlockRepository {
	return &blockRepository{pool: pool}
}

const blockColumns = `id, ip_address, block_type, attempts, first_attempt,
	last_attempt, blocked_until, reason, created_at`

func scanBlock(row pgx.Row) (*IPBlock, error) {
	block := &IPBlock{}
	err := row.Scan(
		&block.ID,
		&block.IPAddress,
		&block.BlockType,
		&block.Attempts,
		&block.FirstAttempt,
		&block.LastAttempt,
		&block.BlockedUntil,
		&block.Reason,
		&block.CreatedAt,
	)
	if err != nil {
		return nil, translateBlockError(err)
	}
	return block, nil
}

// GetActive returns the active block with the latest expiry for ipAddress
func (r *blockRepository) GetActive(ctx context.Context, ipAddress string, now time.Time) (*IPBlock, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM ip_blocks
		WHERE ip_address = $1 AND blocked_until > $2
		ORDER BY blocked_until DESC
		LIMIT 1
	`
	return scanBlock(r.pool.QueryRow(ctx, query, ipAddress, now))
}

// ExtendActive bumps the attempt counter of an active block and pushes its
// expiry later by extendBy. Returns ErrBlockNotFound when no block is active.
func (r *blockRepository) ExtendActive(ctx context.Context, ipAddress, blockType string, now time.Time, extendBy time.Duration) (*IPBlock, error) {
	query := `
		UPDATE ip_blocks
		SET attempts = attempts + 1,
		    last_attempt = $3,
		    blocked_until = blocked_until + make_interval(secs => $4)
		WHERE ip_address = $1 AND block_type = $2 AND blocked_until > $3
		RETURNING ` + blockColumns

	return scanBlock(r.pool.QueryRow(ctx, query, ipAddress, blockType, now, extendBy.Seconds()))
}

// CreateOrReplaceExpired inserts block, or overwrites an expired row for the
// same address and category. It returns false without writing when an
// active block already exists, which happens when a concurrent request won
// the race.
func (r *blockRepository) CreateOrReplaceExpired(ctx context.Context, block *IPBlock) (bool, error) {
	query := `
		INSERT INTO ip_blocks (ip_address, block_type, attempts, first_attempt, last_attempt, blocked_until, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $4)
		ON CONFLICT (ip_address, block_type) DO UPDATE
		SET attempts = EXCLUDED.attempts,
		    first_attempt = EXCLUDED.first_attempt,
		    last_attempt = EXCLUDED.last_attempt,
		    blocked_until = EXCLUDED.blocked_until,
		    reason = EXCLUDED.reason,
		    created_at = EXCLUDED.created_at
		WHERE ip_blocks.blocked_until <= EXCLUDED.first_attempt
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		block.IPAddress,
		block.BlockType,
		block.Attempts,
		block.FirstAttempt,
		block.LastAttempt,
		block.BlockedUntil,
		block.Reason,
	).Scan(&block.ID, &block.CreatedAt)
	if err != nil {
		err = translateBlockError(err)
		if errors.Is(err, ErrBlockNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteExpired purges blocks whose expiry has passed
func (r *blockRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM ip_blocks WHERE blocked_until <= $1`, now)
	if err != nil {
		return 0, translateBlockError(err)
	}
	return result.RowsAffected(), nil
}

func translateBlockError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBlockNotFound
	}
	if IsUndefinedTable(err) {
		return ErrBlockStoreMissing
	}
	return err
}

// IsUndefinedTable reports whether err is PostgreSQL's undefined_table error
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
