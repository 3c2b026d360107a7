package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSampleSQL = `INSERT INTO position_samples (
        position_id,
        sampled_at,
        collateral,
        debt,
        price_usd,
        status_ratio,
        health_ratio_pct,
        band,
        block_number,
        error
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10
    );`

	listRecentSamplesSQL = `SELECT
        position_id,
        sampled_at,
        COALESCE(collateral::text, '0'),
        COALESCE(debt::text, '0'),
        COALESCE(price_usd::text, '0'),
        COALESCE(status_ratio::text, '0'),
        COALESCE(health_ratio_pct::text, '0'),
        band,
        block_number,
        error
    FROM position_samples
    WHERE ($1 = '' OR position_id = $1)
    ORDER BY sampled_at DESC
    LIMIT $2;`

	insertAlertSQL = `INSERT INTO alerts (
        position_id,
        kind,
        health_ratio_pct,
        threshold_pct,
        message
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        position_id,
        kind,
        health_ratio_pct::text,
        threshold_pct::text,
        message,
        created_at
    FROM alerts
    WHERE ($1 = '' OR position_id = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	insertInterventionSQL = `INSERT INTO interventions (
        plan_id,
        position_id,
        health_ratio_pct,
        flash_borrow_amount,
        withdraw_amount,
        min_proceeds,
        success,
        tx_ref,
        error
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6::numeric,$7,$8,$9
    )
    ON CONFLICT (plan_id) DO UPDATE
    SET success = EXCLUDED.success,
        tx_ref  = EXCLUDED.tx_ref,
        error   = EXCLUDED.error;`

	listRecentInterventionsSQL = `SELECT
        plan_id::text,
        position_id,
        health_ratio_pct::text,
        flash_borrow_amount::text,
        withdraw_amount::text,
        min_proceeds::text,
        success,
        tx_ref,
        error,
        created_at
    FROM interventions
    WHERE ($1 = '' OR position_id = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteSamplesBeforeSQL = `DELETE FROM position_samples WHERE sampled_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for cycle sample persistence.
type SampleStore interface {
	InsertSample(ctx context.Context, sample PositionSample) error
	ListRecentSamples(ctx context.Context, positionID string, limit int) ([]PositionSample, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, positionID string, limit int) ([]AlertRecord, error)
}

// InterventionStore defines operations for deleverage auditing.
type InterventionStore interface {
	RecordIntervention(ctx context.Context, rec InterventionRecord) error
	ListRecentInterventions(ctx context.Context, positionID string, limit int) ([]InterventionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, alerts and interventions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSample persists one cycle observation.
func (s *Store) InsertSample(ctx context.Context, sample PositionSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	observed := sample.Error == nil

	var block interface{}
	if sample.BlockNumber != nil {
		block = *sample.BlockNumber
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.PositionID,
		sample.SampledAt,
		nullableDecimal(sample.Collateral, observed),
		nullableDecimal(sample.Debt, observed),
		nullableDecimal(sample.PriceUSD, observed),
		nullableDecimal(sample.StatusRatio, observed),
		nullableDecimal(sample.HealthRatioPct, observed && !sample.HealthRatioPct.IsZero()),
		sample.Band,
		block,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert position sample: %w", execErr)
	}
	return nil
}

// ListRecentSamples lists the most recent samples; an empty positionID lists all positions.
func (s *Store) ListRecentSamples(ctx context.Context, positionID string, limit int) ([]PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, positionID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PositionSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// DeleteSamplesBefore prunes old samples.
func (s *Store) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete samples before: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.PositionID,
		alert.Kind,
		alert.HealthRatioPct.String(),
		alert.ThresholdPct.String(),
		alert.Message,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, positionID string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, positionID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var healthStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.PositionID,
			&rec.Kind,
			&healthStr,
			&thresholdStr,
			&rec.Message,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.HealthRatioPct, convErr = decimal.NewFromString(healthStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse health ratio: %w", convErr)
		}
		rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// RecordIntervention persists a deleverage attempt.
func (s *Store) RecordIntervention(ctx context.Context, rec InterventionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertInterventionSQL,
		rec.PlanID,
		rec.PositionID,
		rec.HealthRatioPct.String(),
		rec.FlashBorrowAmount.String(),
		rec.WithdrawAmount.String(),
		rec.MinProceeds.String(),
		rec.Success,
		rec.TxRef,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("record intervention: %w", execErr)
	}
	return nil
}

// ListRecentInterventions lists the latest deleverage attempts.
func (s *Store) ListRecentInterventions(ctx context.Context, positionID string, limit int) ([]InterventionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentInterventionsSQL, positionID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent interventions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]InterventionRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                      InterventionRecord
			healthStr, borrowStr, withdrawStr, minStr string
			errMsg                                   sql.NullString
		)
		if err := rows.Scan(
			&rec.PlanID,
			&rec.PositionID,
			&healthStr,
			&borrowStr,
			&withdrawStr,
			&minStr,
			&rec.Success,
			&rec.TxRef,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		values, convErr := parseDecimals(healthStr, borrowStr, withdrawStr, minStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse intervention amounts: %w", convErr)
		}
		rec.HealthRatioPct, rec.FlashBorrowAmount, rec.WithdrawAmount, rec.MinProceeds = values[0], values[1], values[2], values[3]
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSample(rows pgx.Rows) (PositionSample, error) {
	var (
		positionID   string
		sampledAt    time.Time
		collateral   string
		debt         string
		price        string
		status       string
		health       string
		band         string
		block        sql.NullInt64
		errMsg       sql.NullString
	)

	if err := rows.Scan(
		&positionID,
		&sampledAt,
		&collateral,
		&debt,
		&price,
		&status,
		&health,
		&band,
		&block,
		&errMsg,
	); err != nil {
		return PositionSample{}, err
	}

	values, err := parseDecimals(collateral, debt, price, status, health)
	if err != nil {
		return PositionSample{}, fmt.Errorf("parse sample: %w", err)
	}

	sample := PositionSample{
		PositionID:     positionID,
		SampledAt:      sampledAt,
		Collateral:     values[0],
		Debt:           values[1],
		PriceUSD:       values[2],
		StatusRatio:    values[3],
		HealthRatioPct: values[4],
		Band:           band,
	}

	if block.Valid {
		value := block.Int64
		sample.BlockNumber = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}

func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("value %d (%q): %w", i, v, err)
		}
		out[i] = d
	}
	return out, nil
}

func nullableDecimal(d decimal.Decimal, valid bool) interface{} {
	if !valid {
		return nil
	}
	return d.String()
}

var (
	_ SampleStore       = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ InterventionStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
