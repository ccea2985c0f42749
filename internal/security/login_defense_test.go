package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/clientinfo"
	"github.com/welldanyogia/ipam/backend/internal/config"
	"github.com/welldanyogia/ipam/backend/internal/logger"
	"github.com/welldanyogia/ipam/backend/internal/metrics"
	"github.com/welldanyogia/ipam/backend/internal/repository"
	"github.com/welldanyogia/ipam/backend/internal/repository/memstore"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	defense *LoginDefense
	store   *memstore.Store
	now     time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T, cfg config.SecurityConfig) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), now: start}
	clock := func() time.Time { return f.now }

	writer := audit.NewWriter(f.store.AuditRepo(), cfg.Location, logger.Discard())
	writer.SetClock(clock)

	f.defense = NewLoginDefense(f.store.AccountRepo(), f.store.BlockRepo(), f.store.AuditRepo(), writer, cfg, logger.Discard())
	f.defense.SetClock(clock)
	return f
}

func fromAddress(ip string) audit.RequestContext {
	return audit.RequestContext{
		Client: clientinfo.ClientContext{
			IPAddress: ip,
			UserAgent: "curl/8.5.0",
			Method:    "POST",
			URI:       "/api/v1/auth/login",
		},
	}
}

func securityEvents(store *memstore.Store, name string) int {
	n := 0
	for _, e := range store.Events() {
		if e.Action == repository.ActionSecurityEvent && e.RecordID != nil && *e.RecordID == name {
			n++
		}
	}
	return n
}

func failedLoginEvents(store *memstore.Store) int {
	n := 0
	for _, e := range store.Events() {
		if e.Action == repository.ActionFailedLogin {
			n++
		}
	}
	return n
}

func TestRegisterFailedLogin_LocksAccountAtThreshold(t *testing.T) {
	f := newFixture(t, config.DefaultSecurity())
	alice := f.store.AddUser(repository.User{Username: "alice"})
	ctx := context.Background()
	locksBefore := testutil.ToFloat64(metrics.AccountLocksTotal)

	for i := 1; i <= 4; i++ {
		if err := f.defense.RegisterFailedLogin(ctx, fromAddress("198.51.100.7"), "alice", "bad password"); err != nil {
			t.Fatalf("failure %d: unexpected error %v", i, err)
		}
		f.advance(time.Minute)
	}

	status, err := f.defense.IsAccountLocked(ctx, "alice")
	if err != nil {
		t.Fatalf("IsAccountLocked() error = %v", err)
	}
	if status.Locked || status.Attempts != 4 {
		t.Fatalf("expected unlocked with 4 attempts, got %+v", status)
	}

	if err := f.defense.RegisterFailedLogin(ctx, fromAddress("198.51.100.7"), "alice", "bad password"); err != nil {
		t.Fatalf("fifth failure: %v", err)
	}

	status, err = f.defense.IsAccountLocked(ctx, "alice")
	if err != nil {
		t.Fatalf("IsAccountLocked() error = %v", err)
	}
	if !status.Locked {
		t.Fatalf("expected account to be locked, got %+v", status)
	}
	if want := f.now.Add(30 * time.Minute); !status.Until.Equal(want) {
		t.Errorf("Until = %v, want %v", status.Until, want)
	}
	if status.SecondsLeft != 1800 {
		t.Errorf("SecondsLeft = %d, want 1800", status.SecondsLeft)
	}

	row, _ := f.store.User(alice.ID)
	if row.FailedLoginAttempts != 5 {
		t.Errorf("counter = %d, want 5", row.FailedLoginAttempts)
	}
	if got := securityEvents(f.store, EventLockAccount); got != 1 {
		t.Errorf("lock_account events = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.AccountLocksTotal) - locksBefore; got != 1 {
		t.Errorf("AccountLocksTotal delta = %v, want 1", got)
	}
}

func TestRegisterFailedLogin_DoesNotExtendActiveLock(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.MaxLoginAttempts = 2
	f := newFixture(t, cfg)
	bob := f.store.AddUser(repository.User{Username: "bob"})
	ctx := context.Background()

	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("198.51.100.8"), "bob", "bad password")
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("198.51.100.8"), "bob", "bad password")
	locked, _ := f.store.User(bob.ID)
	if locked.LockedUntil == nil {
		t.Fatal("expected lock after 2 failures")
	}

	f.advance(10 * time.Minute)
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("198.51.100.8"), "bob", "account locked")

	after, _ := f.store.User(bob.ID)
	if !after.LockedUntil.Equal(*locked.LockedUntil) {
		t.Errorf("lock moved from %v to %v", locked.LockedUntil, after.LockedUntil)
	}
	if after.FailedLoginAttempts != 3 {
		t.Errorf("counter = %d, want 3", after.FailedLoginAttempts)
	}
	if got := securityEvents(f.store, EventLockAccount); got != 1 {
		t.Errorf("lock_account events = %d, want 1", got)
	}
}

func TestIsAccountLocked_ClearsExpiredLock(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.MaxLoginAttempts = 3
	f := newFixture(t, cfg)
	carol := f.store.AddUser(repository.User{Username: "carol"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = f.defense.RegisterFailedLogin(ctx, fromAddress("203.0.113.4"), "carol", "bad password")
	}

	f.advance(30 * time.Minute)
	status, err := f.defense.IsAccountLocked(ctx, "carol")
	if err != nil {
		t.Fatalf("IsAccountLocked() error = %v", err)
	}
	if status.Locked {
		t.Fatalf("lock should have expired, got %+v", status)
	}

	row, _ := f.store.User(carol.ID)
	if row.FailedLoginAttempts != 0 || row.LockedUntil != nil {
		t.Errorf("expired lock not cleared: attempts=%d locked_until=%v", row.FailedLoginAttempts, row.LockedUntil)
	}

	again, err := f.defense.IsAccountLocked(ctx, "carol")
	if err != nil || again.Locked || again.Attempts != 0 {
		t.Errorf("second check = %+v, %v", again, err)
	}
}

func TestRegisterFailedLogin_ExpiredLockRestartsCount(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.MaxLoginAttempts = 2
	f := newFixture(t, cfg)
	dave := f.store.AddUser(repository.User{Username: "dave"})
	ctx := context.Background()

	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("203.0.113.5"), "dave", "bad password")
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("203.0.113.5"), "dave", "bad password")

	f.advance(time.Hour)
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("203.0.113.5"), "dave", "bad password")

	row, _ := f.store.User(dave.ID)
	if row.FailedLoginAttempts != 1 || row.LockedUntil != nil {
		t.Errorf("expected fresh count of 1 and no lock, got %d / %v", row.FailedLoginAttempts, row.LockedUntil)
	}
}

func TestRegisterFailedLogin_UnknownAccount(t *testing.T) {
	f := newFixture(t, config.DefaultSecurity())

	err := f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.1"), "ghost", "unknown user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := failedLoginEvents(f.store); got != 1 {
		t.Errorf("failed_login events = %d, want 1", got)
	}

	status, err := f.defense.IsAccountLocked(context.Background(), "ghost")
	if err != nil || status.Locked {
		t.Errorf("unknown account status = %+v, %v", status, err)
	}
}

func TestRegisterFailedLogin_IgnoresOversizedUsername(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.MaxLoginAttempts = 1
	f := newFixture(t, cfg)
	long := strings.Repeat("x", MaxUsernameLength+1)
	u := f.store.AddUser(repository.User{Username: long})

	if err := f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.2"), long, "bad password"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, _ := f.store.User(u.ID)
	if row.FailedLoginAttempts != 0 {
		t.Errorf("oversized username was counted: %d", row.FailedLoginAttempts)
	}
	if got := failedLoginEvents(f.store); got != 1 {
		t.Errorf("failed_login events = %d, want 1", got)
	}
}

func TestRegisterFailedLogin_NeverStoresFullUsername(t *testing.T) {
	f := newFixture(t, config.DefaultSecurity())
	f.store.AddUser(repository.User{Username: "administrator"})

	for i := 0; i < 6; i++ {
		_ = f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.3"), "administrator", "bad password")
	}

	for _, e := range f.store.Events() {
		if strings.Contains(e.Description, "administrator") || strings.Contains(string(e.NewValues), "administrator") {
			t.Errorf("full username leaked into %s event: %q %s", e.Action, e.Description, e.NewValues)
		}
	}
}

func TestRegisterFailedLogin_BlocksAddressAtThreshold(t *testing.T) {
	cfg := config.DefaultSecurity()
	f := newFixture(t, cfg)
	ctx := context.Background()
	rc := fromAddress("203.0.113.50")

	for i := 0; i < cfg.IPMaxAttempts-1; i++ {
		_ = f.defense.RegisterFailedLogin(ctx, rc, fmt.Sprintf("user%d", i), "unknown user")
		f.advance(time.Minute)
	}
	status, err := f.defense.IsAddressBlocked(ctx, rc, "")
	if err != nil || status.Blocked {
		t.Fatalf("blocked too early: %+v, %v", status, err)
	}

	_ = f.defense.RegisterFailedLogin(ctx, rc, "user9", "unknown user")

	status, err = f.defense.IsAddressBlocked(ctx, rc, "")
	if err != nil {
		t.Fatalf("IsAddressBlocked() error = %v", err)
	}
	if !status.Blocked {
		t.Fatalf("expected address to be blocked")
	}
	firstUntil := *status.Until
	if want := f.now.Add(cfg.IPBlockDuration); !firstUntil.Equal(want) {
		t.Errorf("Until = %v, want %v", firstUntil, want)
	}
	if status.Reason != "10 failed login attempts within 1h" {
		t.Errorf("Reason = %q", status.Reason)
	}

	// further failures push the expiry forward by a whole block duration
	f.advance(time.Minute)
	_ = f.defense.RegisterFailedLogin(ctx, rc, "user10", "unknown user")

	rows := f.store.BlockRows()
	if len(rows) != 1 {
		t.Fatalf("block rows = %d, want 1", len(rows))
	}
	if want := firstUntil.Add(cfg.IPBlockDuration); !rows[0].BlockedUntil.Equal(want) {
		t.Errorf("BlockedUntil = %v, want %v", rows[0].BlockedUntil, want)
	}
	if rows[0].Attempts != 11 {
		t.Errorf("Attempts = %d, want 11", rows[0].Attempts)
	}
	if got := securityEvents(f.store, EventBlockIP); got != 1 {
		t.Errorf("block_ip events = %d, want 1", got)
	}

	other, err := f.defense.IsAddressBlocked(ctx, rc, "203.0.113.51")
	if err != nil || other.Blocked {
		t.Errorf("unrelated address blocked: %+v, %v", other, err)
	}
}

func TestRegisterFailedLogin_ReplacesExpiredBlock(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.IPMaxAttempts = 3
	f := newFixture(t, cfg)
	ctx := context.Background()
	rc := fromAddress("203.0.113.60")

	for i := 0; i < 3; i++ {
		_ = f.defense.RegisterFailedLogin(ctx, rc, "nobody", "unknown user")
	}
	f.advance(3 * time.Hour)

	status, _ := f.defense.IsAddressBlocked(ctx, rc, "")
	if status.Blocked {
		t.Fatal("block should have expired")
	}

	for i := 0; i < 3; i++ {
		_ = f.defense.RegisterFailedLogin(ctx, rc, "nobody", "unknown user")
	}

	rows := f.store.BlockRows()
	if len(rows) != 1 {
		t.Fatalf("block rows = %d, want 1", len(rows))
	}
	if !rows[0].FirstAttempt.Equal(f.now) || rows[0].Attempts != 3 {
		t.Errorf("expired block not replaced: %+v", rows[0])
	}
	if got := securityEvents(f.store, EventBlockIP); got != 2 {
		t.Errorf("block_ip events = %d, want 2", got)
	}
}

func TestBlockStoreMissing_DegradesToNotBlocked(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.IPMaxAttempts = 1
	f := newFixture(t, cfg)
	f.store.BlockTableMissing = true
	ctx := context.Background()
	rc := fromAddress("198.51.100.99")

	if err := f.defense.RegisterFailedLogin(ctx, rc, "nobody", "unknown user"); err != nil {
		t.Errorf("RegisterFailedLogin() error = %v", err)
	}
	status, err := f.defense.IsAddressBlocked(ctx, rc, "")
	if err != nil || status.Blocked {
		t.Errorf("IsAddressBlocked() = %+v, %v", status, err)
	}
	deleted, err := f.defense.CleanupExpiredBlocks(ctx)
	if err != nil || deleted != 0 {
		t.Errorf("CleanupExpiredBlocks() = %d, %v", deleted, err)
	}
}

func TestIsAddressBlocked_NoAddress(t *testing.T) {
	f := newFixture(t, config.DefaultSecurity())
	status, err := f.defense.IsAddressBlocked(context.Background(), audit.RequestContext{}, "")
	if err != nil || status.Blocked {
		t.Errorf("IsAddressBlocked() = %+v, %v", status, err)
	}
}

func TestRegisterFailedLogin_SoftFailures(t *testing.T) {
	t.Run("account store failure still records and tracks address", func(t *testing.T) {
		cfg := config.DefaultSecurity()
		cfg.IPMaxAttempts = 1
		f := newFixture(t, cfg)
		f.store.AddUser(repository.User{Username: "erin"})
		f.store.FailWith(memstore.OpRegisterFailure, errors.New("connection reset"))

		err := f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.10"), "erin", "bad password")
		if err == nil {
			t.Fatal("expected the storage error to be reported")
		}
		if got := failedLoginEvents(f.store); got != 1 {
			t.Errorf("failed_login events = %d, want 1", got)
		}
		if rows := f.store.BlockRows(); len(rows) != 1 {
			t.Errorf("block rows = %d, want 1", len(rows))
		}
	})

	t.Run("audit failure still counts the account", func(t *testing.T) {
		f := newFixture(t, config.DefaultSecurity())
		u := f.store.AddUser(repository.User{Username: "frank"})
		f.store.FailWith(memstore.OpAuditInsert, errors.New("disk full"))

		err := f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.11"), "frank", "bad password")
		if !errors.Is(err, audit.ErrWriteFailed) {
			t.Errorf("expected ErrWriteFailed, got %v", err)
		}
		row, _ := f.store.User(u.ID)
		if row.FailedLoginAttempts != 1 {
			t.Errorf("counter = %d, want 1", row.FailedLoginAttempts)
		}
	})

	t.Run("lockout read failure reads as not locked", func(t *testing.T) {
		f := newFixture(t, config.DefaultSecurity())
		f.store.AddUser(repository.User{Username: "grace"})
		f.store.FailWith(memstore.OpGetLockout, errors.New("timeout"))

		status, err := f.defense.IsAccountLocked(context.Background(), "grace")
		if err == nil {
			t.Error("expected error")
		}
		if status.Locked {
			t.Error("storage error must not lock the account")
		}
	})
}

func TestRegisterFailedLogin_ConcurrentFailures(t *testing.T) {
	cfg := config.DefaultSecurity()
	f := newFixture(t, cfg)
	heidi := f.store.AddUser(repository.User{Username: "heidi"})
	rc := fromAddress("203.0.113.77")

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.defense.RegisterFailedLogin(context.Background(), rc, "heidi", "bad password")
		}()
	}
	wg.Wait()

	row, _ := f.store.User(heidi.ID)
	if row.FailedLoginAttempts != workers {
		t.Errorf("counter = %d, want %d", row.FailedLoginAttempts, workers)
	}
	if got := securityEvents(f.store, EventLockAccount); got != 1 {
		t.Errorf("lock_account events = %d, want 1", got)
	}
	if got := securityEvents(f.store, EventBlockIP); got != 1 {
		t.Errorf("block_ip events = %d, want 1", got)
	}
	if rows := f.store.BlockRows(); len(rows) != 1 {
		t.Errorf("block rows = %d, want 1", len(rows))
	}
}

func TestResetFailedAttempts(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.MaxLoginAttempts = 2
	f := newFixture(t, cfg)
	ivan := f.store.AddUser(repository.User{Username: "ivan"})
	ctx := context.Background()

	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("192.0.2.20"), "ivan", "bad password")
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("192.0.2.20"), "ivan", "bad password")

	for i := 0; i < 2; i++ {
		if err := f.defense.ResetFailedAttempts(ctx, ivan.ID); err != nil {
			t.Fatalf("ResetFailedAttempts() call %d error = %v", i+1, err)
		}
	}

	row, _ := f.store.User(ivan.ID)
	if row.FailedLoginAttempts != 0 || row.LockedUntil != nil {
		t.Errorf("not reset: %d / %v", row.FailedLoginAttempts, row.LockedUntil)
	}
	if row.LastLoginAt == nil || !row.LastLoginAt.Equal(f.now) {
		t.Errorf("LastLoginAt = %v, want %v", row.LastLoginAt, f.now)
	}

	if err := f.defense.ResetFailedAttempts(ctx, uuid.New()); !errors.Is(err, repository.ErrAccountNotFound) {
		t.Errorf("unknown account error = %v, want ErrAccountNotFound", err)
	}
}

func TestCleanupExpiredBlocks(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.IPMaxAttempts = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("192.0.2.30"), "x", "unknown user")
	f.advance(30 * time.Minute)
	_ = f.defense.RegisterFailedLogin(ctx, fromAddress("192.0.2.31"), "x", "unknown user")

	f.advance(45 * time.Minute)
	deleted, err := f.defense.CleanupExpiredBlocks(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredBlocks() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	rows := f.store.BlockRows()
	if len(rows) != 1 || rows[0].IPAddress != "192.0.2.31" {
		t.Errorf("remaining blocks = %+v", rows)
	}
}

func TestCleanupOldAuditEvents(t *testing.T) {
	t.Run("purges beyond retention", func(t *testing.T) {
		f := newFixture(t, config.DefaultSecurity())
		f.store.AddEvent(repository.AuditEvent{Action: repository.ActionView, CreatedAt: start.Add(-10 * 24 * time.Hour)})
		f.store.AddEvent(repository.AuditEvent{Action: repository.ActionView, CreatedAt: start.Add(-2 * 24 * time.Hour)})

		deleted, err := f.defense.CleanupOldAuditEvents(context.Background(), 7)
		if err != nil {
			t.Fatalf("CleanupOldAuditEvents() error = %v", err)
		}
		if deleted != 1 || len(f.store.Events()) != 1 {
			t.Errorf("deleted = %d, remaining = %d", deleted, len(f.store.Events()))
		}
	})

	t.Run("uses configured retention by default", func(t *testing.T) {
		f := newFixture(t, config.DefaultSecurity())
		f.store.AddEvent(repository.AuditEvent{Action: repository.ActionView, CreatedAt: start.Add(-89 * 24 * time.Hour)})
		f.store.AddEvent(repository.AuditEvent{Action: repository.ActionView, CreatedAt: start.Add(-91 * 24 * time.Hour)})

		deleted, err := f.defense.CleanupOldAuditEvents(context.Background(), 0)
		if err != nil || deleted != 1 {
			t.Errorf("CleanupOldAuditEvents() = %d, %v", deleted, err)
		}
	})

	t.Run("never purges inside the address window", func(t *testing.T) {
		cfg := config.DefaultSecurity()
		cfg.IPWindow = 72 * time.Hour
		f := newFixture(t, cfg)
		f.store.AddEvent(repository.AuditEvent{Action: repository.ActionFailedLogin, IPAddress: "192.0.2.40", CreatedAt: start.Add(-48 * time.Hour)})

		deleted, err := f.defense.CleanupOldAuditEvents(context.Background(), 1)
		if err != nil || deleted != 0 {
			t.Errorf("CleanupOldAuditEvents() = %d, %v", deleted, err)
		}
	})
}

func TestFormatWindow(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Hour, "1h"},
		{24 * time.Hour, "24h"},
		{90 * time.Minute, "90m"},
		{45 * time.Second, "45s"},
	}
	for _, tt := range tests {
		if got := formatWindow(tt.in); got != tt.want {
			t.Errorf("formatWindow(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Property: after n sequential failures below the lock duration the account
// is locked exactly when n reaches the threshold, the counter equals n, and
// exactly one lock transition is recorded.
func TestProperty_LockTransitionsOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 8).Draw(rt, "threshold")
		n := rapid.IntRange(1, 15).Draw(rt, "failures")

		cfg := config.DefaultSecurity()
		cfg.MaxLoginAttempts = threshold
		cfg.IPMaxAttempts = 1000
		f := newFixture(t, cfg)
		u := f.store.AddUser(repository.User{Username: "judy"})

		for i := 0; i < n; i++ {
			_ = f.defense.RegisterFailedLogin(context.Background(), fromAddress("192.0.2.50"), "judy", "bad password")
			f.advance(time.Second)
		}

		row, _ := f.store.User(u.ID)
		if row.FailedLoginAttempts != n {
			rt.Fatalf("counter = %d, want %d", row.FailedLoginAttempts, n)
		}
		status, err := f.defense.IsAccountLocked(context.Background(), "judy")
		if err != nil {
			rt.Fatalf("IsAccountLocked() error = %v", err)
		}
		if status.Locked != (n >= threshold) {
			rt.Fatalf("locked = %v with %d failures and threshold %d", status.Locked, n, threshold)
		}
		wantEvents := 0
		if n >= threshold {
			wantEvents = 1
		}
		if got := securityEvents(f.store, EventLockAccount); got != wantEvents {
			rt.Fatalf("lock_account events = %d, want %d", got, wantEvents)
		}
	})
}
