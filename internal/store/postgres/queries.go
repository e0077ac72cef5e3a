package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"github.com/jackc/pgx/v5"
)

const entitlementColumns = `credential, email, tier, customer_ref, subscription_ref, created_at, last_used_at`

func (db *DB) CreateEntitlement(ctx context.Context, e *models.Entitlement) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO entitlements (credential, email, tier, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (credential) DO NOTHING
    `

	tag, err := db.Pool.Exec(ctx, query, e.Credential, e.Email, string(e.Tier), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (db *DB) GetEntitlement(ctx context.Context, credential string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE credential = $1`
	return scanEntitlement(db.Pool.QueryRow(ctx, query, credential))
}

func (db *DB) FindEntitlementByEmail(ctx context.Context, email string) (*models.Entitlement, error) {
	query := `
        SELECT ` + entitlementColumns + `
        FROM entitlements
        WHERE email = $1
        ORDER BY created_at, credential
        LIMIT 1
    `
	return scanEntitlement(db.Pool.QueryRow(ctx, query, email))
}

func (db *DB) TouchEntitlement(ctx context.Context, credential string, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `UPDATE entitlements SET last_used_at = $2 WHERE credential = $1`, credential, at)
	if err != nil {
		return fmt.Errorf("touch entitlement: %w", err)
	}
	return nil
}

func (db *DB) SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error {
	query := `
        UPDATE entitlements
        SET tier = $2,
            customer_ref = COALESCE($3, customer_ref),
            subscription_ref = COALESCE($4, subscription_ref)
        WHERE credential = $1
    `

	tag, err := db.Pool.Exec(ctx, query, credential, string(tier), customerRef, subscriptionRef)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (db *DB) SetTierBySubscriptionRef(ctx context.Context, subscriptionRef string, tier models.Tier) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `UPDATE entitlements SET tier = $2 WHERE subscription_ref = $1`, subscriptionRef, string(tier))
	if err != nil {
		return 0, fmt.Errorf("set tier by subscription: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) ClearTierBySubscriptionRef(ctx context.Context, subscriptionRef string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `UPDATE entitlements SET tier = $2 WHERE subscription_ref = $1`, subscriptionRef, string(models.TierFree))
	if err != nil {
		return 0, fmt.Errorf("clear tier by subscription: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) CurrentCount(ctx context.Context, key models.UsageKey) (int64, error) {
	var row pgx.Row
	if key.Credential == "" {
		row = db.Pool.QueryRow(ctx, `
            SELECT COALESCE(SUM(count), 0)::BIGINT FROM usage_counters
            WHERE day = $1 AND credential = '' AND ip = $2`, key.Day, key.IP)
	} else {
		row = db.Pool.QueryRow(ctx, `
            SELECT COALESCE(SUM(count), 0)::BIGINT FROM usage_counters
            WHERE day = $1 AND credential = $2`, key.Day, key.Credential)
	}

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("current count: %w", err)
	}
	return n, nil
}

const upsertIncrement = `
    INSERT INTO usage_counters (day, credential, ip, count)
    VALUES ($1, $2, $3, 1)
    ON CONFLICT (day, credential, ip) DO UPDATE
    SET count = usage_counters.count + 1
`

const insertLog = `
    INSERT INTO request_log (id, credential, ip, target, format, duration_ms, status, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func logArgs(e *models.RequestLogEntry) []any {
	var credential *string
	if e.Credential != "" {
		credential = &e.Credential
	}
	return []any{e.ID, credential, e.IP, e.Target, e.Format, e.DurationMs, string(e.Status), e.CreatedAt}
}

func (db *DB) RecordConsumption(ctx context.Context, key models.UsageKey) error {
	if _, err := db.Pool.Exec(ctx, upsertIncrement, key.Day, key.Credential, key.IP); err != nil {
		return fmt.Errorf("record consumption: %w", err)
	}
	return nil
}

func (db *DB) AppendLog(ctx context.Context, entry *models.RequestLogEntry) error {
	if _, err := db.Pool.Exec(ctx, insertLog, logArgs(entry)...); err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

func (db *DB) RecordCapture(ctx context.Context, key models.UsageKey, entry *models.RequestLogEntry) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertIncrement, key.Day, key.Credential, key.IP); err != nil {
			return fmt.Errorf("record consumption: %w", err)
		}
		if _, err := tx.Exec(ctx, insertLog, logArgs(entry)...); err != nil {
			return fmt.Errorf("append request log: %w", err)
		}
		return nil
	})
}

func (db *DB) TotalRequests(ctx context.Context, credential string) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM request_log WHERE credential = $1`,
		credential,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("total requests: %w", err)
	}
	return n, nil
}

func (db *DB) Stats(ctx context.Context, day string) (*models.Stats, error) {
	var st models.Stats
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_log`).Scan(&st.TotalRequests); err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}
	err := db.Pool.QueryRow(ctx, `
        SELECT COALESCE(SUM(count), 0)::BIGINT, COUNT(DISTINCT ip)
        FROM usage_counters WHERE day = $1`, day,
	).Scan(&st.TodayRequests, &st.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("stats today: %w", err)
	}
	return &st, nil
}

func scanEntitlement(row pgx.Row) (*models.Entitlement, error) {
	var (
		e    models.Entitlement
		tier string
	)
	err := row.Scan(
		&e.Credential,
		&e.Email,
		&tier,
		&e.CustomerRef,
		&e.SubscriptionRef,
		&e.CreatedAt,
		&e.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	e.Tier = models.Tier(tier)
	return &e, nil
}
