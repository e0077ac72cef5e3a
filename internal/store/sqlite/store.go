package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"github.com/HanTheDev/capture-gateway/internal/store/migrations"
	_ "modernc.org/sqlite"
)

// Store is the single-node backend. One connection serializes writers, which
// also keeps RecordCapture's transaction from deadlocking against itself.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies migrations.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrations.Up(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for tests that seed rows directly.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const entitlementColumns = `credential, email, tier, customer_ref, subscription_ref, created_at, last_used_at`

func (s *Store) CreateEntitlement(ctx context.Context, e *models.Entitlement) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (credential, email, tier, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (credential) DO NOTHING`,
		e.Credential, e.Email, string(e.Tier), e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create entitlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, credential string) (*models.Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE credential = ?`, credential)
	return scanEntitlement(row)
}

func (s *Store) FindEntitlementByEmail(ctx context.Context, email string) (*models.Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE email = ?
		ORDER BY created_at, rowid
		LIMIT 1`, email)
	return scanEntitlement(row)
}

func (s *Store) TouchEntitlement(ctx context.Context, credential string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entitlements SET last_used_at = ? WHERE credential = ?`, at.Unix(), credential)
	if err != nil {
		return fmt.Errorf("touch entitlement: %w", err)
	}
	return nil
}

func (s *Store) SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET tier = ?,
		    customer_ref = COALESCE(?, customer_ref),
		    subscription_ref = COALESCE(?, subscription_ref)
		WHERE credential = ?`,
		string(tier), customerRef, subscriptionRef, credential,
	)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetTierBySubscriptionRef(ctx context.Context, subscriptionRef string, tier models.Tier) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE entitlements SET tier = ? WHERE subscription_ref = ?`, string(tier), subscriptionRef)
	if err != nil {
		return 0, fmt.Errorf("set tier by subscription: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ClearTierBySubscriptionRef(ctx context.Context, subscriptionRef string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE entitlements SET tier = ? WHERE subscription_ref = ?`, string(models.TierFree), subscriptionRef)
	if err != nil {
		return 0, fmt.Errorf("clear tier by subscription: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CurrentCount(ctx context.Context, key models.UsageKey) (int64, error) {
	var row *sql.Row
	if key.Credential == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(count), 0) FROM usage_counters
			WHERE day = ? AND credential = '' AND ip = ?`, key.Day, key.IP)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(count), 0) FROM usage_counters
			WHERE day = ? AND credential = ?`, key.Day, key.Credential)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("current count: %w", err)
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertIncrement = `
	INSERT INTO usage_counters (day, credential, ip, count)
	VALUES (?, ?, ?, 1)
	ON CONFLICT (day, credential, ip) DO UPDATE SET count = usage_counters.count + 1`

func increment(ctx context.Context, ex execer, key models.UsageKey) error {
	if _, err := ex.ExecContext(ctx, upsertIncrement, key.Day, key.Credential, key.IP); err != nil {
		return fmt.Errorf("record consumption: %w", err)
	}
	return nil
}

func appendLog(ctx context.Context, ex execer, e *models.RequestLogEntry) error {
	var credential *string
	if e.Credential != "" {
		credential = &e.Credential
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO request_log (id, credential, ip, target, format, duration_ms, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, credential, e.IP, e.Target, e.Format, e.DurationMs, string(e.Status), e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

func (s *Store) RecordConsumption(ctx context.Context, key models.UsageKey) error {
	return increment(ctx, s.db, key)
}

func (s *Store) AppendLog(ctx context.Context, entry *models.RequestLogEntry) error {
	return appendLog(ctx, s.db, entry)
}

func (s *Store) RecordCapture(ctx context.Context, key models.UsageKey, entry *models.RequestLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record capture: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := increment(ctx, tx, key); err != nil {
		return err
	}
	if err := appendLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record capture: %w", err)
	}
	return nil
}

func (s *Store) TotalRequests(ctx context.Context, credential string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_log WHERE credential = ?`,
		credential,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("total requests: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, day string) (*models.Stats, error) {
	var st models.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_log`).Scan(&st.TotalRequests); err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0), COUNT(DISTINCT ip)
		FROM usage_counters WHERE day = ?`, day,
	).Scan(&st.TodayRequests, &st.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("stats today: %w", err)
	}
	return &st, nil
}

func scanEntitlement(row *sql.Row) (*models.Entitlement, error) {
	var (
		e               models.Entitlement
		tier            string
		customerRef     sql.NullString
		subscriptionRef sql.NullString
		createdAt       int64
		lastUsedAt      sql.NullInt64
	)
	err := row.Scan(&e.Credential, &e.Email, &tier, &customerRef, &subscriptionRef, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	e.Tier = models.Tier(tier)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	if customerRef.Valid {
		e.CustomerRef = &customerRef.String
	}
	if subscriptionRef.Valid {
		e.SubscriptionRef = &subscriptionRef.String
	}
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0).UTC()
		e.LastUsedAt = &t
	}
	return &e, nil
}
