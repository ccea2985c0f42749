// Package memstore is an in-memory implementation of the audit, account and
// block repositories for service tests. Each method holds the store mutex for
// its whole body, mirroring the single-statement atomicity of the PostgreSQL
// implementations.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// Op names a repository method for failure injection
type Op string

const (
	OpAuditInsert     Op = "audit.insert"
	OpAuditList       Op = "audit.list"
	OpAuditCount      Op = "audit.count"
	OpAuditPurge      Op = "audit.purge"
	OpGetUser         Op = "account.get"
	OpGetLockout      Op = "account.lockout"
	OpRegisterFailure Op = "account.register_failure"
	OpClearLock       Op = "account.clear_lock"
	OpReset           Op = "account.reset"
	OpGetBlock        Op = "block.get"
	OpExtendBlock     Op = "block.extend"
	OpCreateBlock     Op = "block.create"
	OpDeleteBlocks    Op = "block.delete"
)

// Store holds every table in memory
type Store struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*repository.User
	events []repository.AuditEvent
	blocks map[string]*repository.IPBlock
	errs   map[Op]error

	// BlockTableMissing makes block operations behave as if ip_blocks was
	// never provisioned
	BlockTableMissing bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		users:  make(map[uuid.UUID]*repository.User),
		blocks: make(map[string]*repository.IPBlock),
		errs:   make(map[Op]error),
	}
}

// FailWith makes op return err until cleared with a nil err
func (s *Store) FailWith(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

func (s *Store) injected(op Op) error {
	return s.errs[op]
}

// AddUser inserts an account and returns a copy with its ID set
func (s *Store) AddUser(u repository.User) repository.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	stored := u
	s.users[u.ID] = &stored
	return u
}

// User returns a copy of the account row
func (s *Store) User(id uuid.UUID) (repository.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.User{}, false
	}
	return *u, true
}

// Events returns a copy of the audit log in insertion order
func (s *Store) Events() []repository.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// AddEvent appends an audit event directly, bypassing validation
func (s *Store) AddEvent(e repository.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.events = append(s.events, e)
}

// BlockRows returns a copy of every ip_blocks row
func (s *Store) BlockRows() []repository.IPBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.IPBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

// AuditRepo returns the audit repository view
func (s *Store) AuditRepo() repository.AuditRepository { return auditRepo{s} }

// AccountRepo returns the account repository view
func (s *Store) AccountRepo() repository.AccountRepository { return accountRepo{s} }

// BlockRepo returns the block repository view
func (s *Store) BlockRepo() repository.BlockRepository { return blockRepo{s} }

type auditRepo struct{ s *Store }

func (r auditRepo) Insert(_ context.Context, event *repository.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpAuditInsert); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	r.s.events = append(r.s.events, *event)
	return nil
}

func (r auditRepo) List(_ context.Context, f repository.AuditFilter) ([]repository.AuditEvent, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpAuditList); err != nil {
		return nil, 0, err
	}

	search := strings.ToLower(strings.TrimSpace(f.Search))
	matched := []repository.AuditEvent{}
	for _, e := range r.s.events {
		if f.Module != "" && e.Module != f.Module {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		if e.UserID != nil {
			if u, ok := r.s.users[*e.UserID]; ok {
				name := u.Username
				e.Username = &name
			}
		}
		if search != "" && !matchesSearch(e, search) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = repository.DefaultAuditPageSize
	}
	if limit > repository.MaxAuditPageSize {
		limit = repository.MaxAuditPageSize
	}
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func matchesSearch(e repository.AuditEvent, search string) bool {
	if strings.Contains(strings.ToLower(e.Description), search) ||
		strings.Contains(strings.ToLower(e.IPAddress), search) {
		return true
	}
	return e.Username != nil && strings.Contains(strings.ToLower(*e.Username), search)
}

func (r auditRepo) CountFailedLoginsFromAddress(_ context.Context, ip string, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpAuditCount); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range r.s.events {
		if e.Action == repository.ActionFailedLogin && e.IPAddress == ip && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r auditRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpAuditPurge); err != nil {
		return 0, err
	}
	kept := r.s.events[:0]
	var deleted int64
	for _, e := range r.s.events {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.s.events = kept
	return deleted, nil
}

type accountRepo struct{ s *Store }

func (r accountRepo) byUsername(username string) *repository.User {
	for _, u := range r.s.users {
		if strings.EqualFold(u.Username, username) {
			return u
		}
	}
	return nil
}

func (r accountRepo) Create(_ context.Context, user *repository.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.byUsername(user.Username) != nil {
		return repository.ErrUsernameAlreadyExists
	}
	user.ID = uuid.New()
	if user.Role == "" {
		user.Role = "user"
	}
	user.IsActive = true
	stored := *user
	r.s.users[user.ID] = &stored
	return nil
}

func (r accountRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpGetUser); err != nil {
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	out := *u
	return &out, nil
}

func (r accountRepo) GetByUsername(_ context.Context, username string) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpGetUser); err != nil {
		return nil, err
	}
	u := r.byUsername(username)
	if u == nil {
		return nil, repository.ErrAccountNotFound
	}
	out := *u
	return &out, nil
}

func (r accountRepo) GetLockout(_ context.Context, username string) (*repository.LockoutState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpGetLockout); err != nil {
		return nil, err
	}
	u := r.byUsername(username)
	if u == nil {
		return nil, repository.ErrAccountNotFound
	}
	return &repository.LockoutState{
		UserID:              u.ID,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         copyTime(u.LockedUntil),
	}, nil
}

func (r accountRepo) RegisterFailure(_ context.Context, username string, now time.Time, threshold int, lockFor time.Duration) (*repository.FailureResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpRegisterFailure); err != nil {
		return nil, err
	}
	u := r.byUsername(username)
	if u == nil {
		return nil, repository.ErrAccountNotFound
	}

	previous := copyTime(u.LockedUntil)
	attempts := u.FailedLoginAttempts
	if previous != nil && !previous.After(now) {
		attempts = 0
	}
	attempts++

	switch {
	case previous != nil && previous.After(now):
		// active lock is kept as is
	case attempts >= threshold:
		until := now.Add(lockFor)
		u.LockedUntil = &until
	default:
		u.LockedUntil = nil
	}
	u.FailedLoginAttempts = attempts
	u.UpdatedAt = now

	current := copyTime(u.LockedUntil)
	return &repository.FailureResult{
		UserID:              u.ID,
		FailedLoginAttempts: attempts,
		LockedUntil:         current,
		NewlyLocked:         current != nil && (previous == nil || !previous.Equal(*current)),
	}, nil
}

func (r accountRepo) ClearExpiredLock(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpClearLock); err != nil {
		return false, err
	}
	u, ok := r.s.users[id]
	if !ok || u.LockedUntil == nil || u.LockedUntil.After(now) {
		return false, nil
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.UpdatedAt = now
	return true, nil
}

func (r accountRepo) ResetFailedAttempts(_ context.Context, id uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpReset); err != nil {
		return err
	}
	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	stamp := now
	u.LastLoginAt = &stamp
	u.UpdatedAt = now
	return nil
}

type blockRepo struct{ s *Store }

func blockKey(ip, blockType string) string {
	return ip + "|" + blockType
}

func (r blockRepo) check(op Op) error {
	if r.s.BlockTableMissing {
		return repository.ErrBlockStoreMissing
	}
	return r.s.injected(op)
}

func (r blockRepo) GetActive(_ context.Context, ip string, now time.Time) (*repository.IPBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.check(OpGetBlock); err != nil {
		return nil, err
	}
	var best *repository.IPBlock
	for _, b := range r.s.blocks {
		if b.IPAddress != ip || !b.BlockedUntil.After(now) {
			continue
		}
		if best == nil || b.BlockedUntil.After(best.BlockedUntil) {
			best = b
		}
	}
	if best == nil {
		return nil, repository.ErrBlockNotFound
	}
	out := *best
	return &out, nil
}

func (r blockRepo) ExtendActive(_ context.Context, ip, blockType string, now time.Time, extendBy time.Duration) (*repository.IPBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.check(OpExtendBlock); err != nil {
		return nil, err
	}
	b, ok := r.s.blocks[blockKey(ip, blockType)]
	if !ok || !b.BlockedUntil.After(now) {
		return nil, repository.ErrBlockNotFound
	}
	b.Attempts++
	b.LastAttempt = now
	b.BlockedUntil = b.BlockedUntil.Add(extendBy)
	out := *b
	return &out, nil
}

func (r blockRepo) CreateOrReplaceExpired(_ context.Context, block *repository.IPBlock) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.check(OpCreateBlock); err != nil {
		return false, err
	}
	key := blockKey(block.IPAddress, block.BlockType)
	if existing, ok := r.s.blocks[key]; ok && existing.BlockedUntil.After(block.FirstAttempt) {
		return false, nil
	}
	block.ID = uuid.New()
	block.CreatedAt = block.FirstAttempt
	stored := *block
	r.s.blocks[key] = &stored
	return true, nil
}

func (r blockRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.check(OpDeleteBlocks); err != nil {
		return 0, err
	}
	var deleted int64
	for key, b := range r.s.blocks {
		if !b.BlockedUntil.After(now) {
			delete(r.s.blocks, key)
			deleted++
		}
	}
	return deleted, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
