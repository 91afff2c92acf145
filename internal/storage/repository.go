package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoCheckpoint is returned when no checkpoint has been saved yet.
	ErrNoCheckpoint = errors.New("storage: no checkpoint")
)

const rebaseColumns = `
        id,
        epoch,
        slot_ts,
        rebased_at,
        price,
        price_source,
        tier,
        annual_rate,
        zone,
        backing_ratio,
        supply_before,
        supply_after,
        share_index,
        senior_value,
        junior_value,
        reserve_value,
        to_junior,
        to_reserve,
        from_reserve,
        from_junior,
        shortfall,
        status,
        error`

const (
	insertRebaseSQL = `INSERT INTO rebases (` + rebaseColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
    );`

	listRebasesBetweenSQL = `SELECT` + rebaseColumns + `,
        created_at
    FROM rebases
    WHERE rebased_at >= $1
      AND rebased_at < $2
    ORDER BY rebased_at;`

	listRecentRebasesSQL = `SELECT` + rebaseColumns + `,
        created_at
    FROM rebases
    ORDER BY rebased_at DESC
    LIMIT $1;`

	countRebasesSQL = `SELECT COUNT(*) FROM rebases;`

	insertAlertSQL = `INSERT INTO alerts (
        rebase_id,
        epoch,
        kind,
        zone,
        detail,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (rebase_id, kind) DO UPDATE
    SET detail   = EXCLUDED.detail,
        channels = EXCLUDED.channels
    RETURNING id, rebase_id, epoch, kind, zone, detail, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        rebase_id,
        epoch,
        kind,
        zone,
        detail,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	lastAlertOfKindSQL = `SELECT created_at FROM alerts WHERE kind = $1 ORDER BY created_at DESC LIMIT 1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	insertCheckpointSQL = `INSERT INTO checkpoints (epoch, state) VALUES ($1, $2);`

	latestCheckpointSQL = `SELECT id, epoch, state, created_at
    FROM checkpoints
    ORDER BY epoch DESC, id DESC
    LIMIT 1;`

	pruneCheckpointsSQL = `DELETE FROM checkpoints
    WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY epoch DESC, id DESC LIMIT $1);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RebaseStore defines operations for rebase history persistence.
type RebaseStore interface {
	InsertRebase(ctx context.Context, rec RebaseRecord) error
	ListRebasesBetween(ctx context.Context, from, to time.Time) ([]RebaseRecord, error)
	ListRecentRebases(ctx context.Context, limit int) ([]RebaseRecord, error)
	CountRebases(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	LastAlertAt(ctx context.Context, kind string) (time.Time, bool, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// CheckpointStore persists full ledger state snapshots.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, epoch uint64, state json.RawMessage) error
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
	PruneCheckpoints(ctx context.Context, keep int) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rebases, alerts and checkpoints.
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
		// best effort; the lock also dies with the session
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

// InsertRebase persists one rebase attempt.
func (s *Store) InsertRebase(ctx context.Context, rec RebaseRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertRebaseSQL,
		rec.ID.String(),
		int64(rec.Epoch),
		rec.Slot,
		rec.RebasedAt,
		rec.Price.String(),
		rec.PriceSource,
		rec.Tier,
		rec.AnnualRate.String(),
		rec.Zone,
		rec.BackingRatio.String(),
		rec.SupplyBefore.String(),
		rec.SupplyAfter.String(),
		rec.Index.String(),
		rec.SeniorValue.String(),
		rec.JuniorValue.String(),
		rec.ReserveValue.String(),
		rec.ToJunior.String(),
		rec.ToReserve.String(),
		rec.FromReserve.String(),
		rec.FromJunior.String(),
		rec.Shortfall.String(),
		rec.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert rebase: %w", execErr)
	}
	return nil
}

// ListRebasesBetween lists rebases within a time window.
func (s *Store) ListRebasesBetween(ctx context.Context, from, to time.Time) ([]RebaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRebasesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rebases between: %w", queryErr)
	}
	return collectRebases(rows, 0)
}

// ListRecentRebases lists the most recent rebases, newest first.
func (s *Store) ListRecentRebases(ctx context.Context, limit int) ([]RebaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRebasesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rebases: %w", queryErr)
	}
	return collectRebases(rows, limit)
}

func collectRebases(rows pgx.Rows, capacity int) ([]RebaseRecord, error) {
	defer rows.Close()
	records := make([]RebaseRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanRebase(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountRebases counts stored rebase attempts.
func (s *Store) CountRebases(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRebasesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rebases: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.RebaseID.String(),
		int64(alert.Epoch),
		alert.Kind,
		alert.Zone,
		alert.Detail,
		alert.Channels,
	)
	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertAt returns when an alert of kind was last recorded.
func (s *Store) LastAlertAt(ctx context.Context, kind string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertOfKindSQL, kind).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, true, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// SaveCheckpoint stores a ledger state snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, epoch uint64, state json.RawMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertCheckpointSQL, int64(epoch), []byte(state)); execErr != nil {
		return fmt.Errorf("insert checkpoint: %w", execErr)
	}
	return nil
}

// LatestCheckpoint returns the checkpoint with the highest epoch.
func (s *Store) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, err
	}
	var (
		cp    Checkpoint
		epoch int64
		state []byte
	)
	if scanErr := pool.QueryRow(ctx, latestCheckpointSQL).Scan(&cp.ID, &epoch, &state, &cp.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", scanErr)
	}
	cp.Epoch = uint64(epoch)
	cp.State = json.RawMessage(state)
	return cp, nil
}

// PruneCheckpoints keeps only the newest keep checkpoints.
func (s *Store) PruneCheckpoints(ctx context.Context, keep int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if keep <= 0 {
		return fmt.Errorf("prune checkpoints: keep must be positive")
	}
	if _, execErr := pool.Exec(ctx, pruneCheckpointsSQL, keep); execErr != nil {
		return fmt.Errorf("prune checkpoints: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec      AlertRecord
		rebaseID string
		epoch    int64
	)
	if err := row.Scan(
		&rec.ID,
		&rebaseID,
		&epoch,
		&rec.Kind,
		&rec.Zone,
		&rec.Detail,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	id, err := uuid.Parse(rebaseID)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse rebase id: %w", err)
	}
	rec.RebaseID = id
	rec.Epoch = uint64(epoch)
	return rec, nil
}

func scanRebase(rows pgx.Rows) (RebaseRecord, error) {
	var (
		rec     RebaseRecord
		id      string
		epoch   int64
		errMsg  *string
		numeric [14]string
	)

	if err := rows.Scan(
		&id,
		&epoch,
		&rec.Slot,
		&rec.RebasedAt,
		&numeric[0],
		&rec.PriceSource,
		&rec.Tier,
		&numeric[1],
		&rec.Zone,
		&numeric[2],
		&numeric[3],
		&numeric[4],
		&numeric[5],
		&numeric[6],
		&numeric[7],
		&numeric[8],
		&numeric[9],
		&numeric[10],
		&numeric[11],
		&numeric[12],
		&numeric[13],
		&rec.Status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return RebaseRecord{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return RebaseRecord{}, fmt.Errorf("parse rebase id: %w", err)
	}
	rec.ID = parsed
	rec.Epoch = uint64(epoch)
	rec.Error = errMsg

	targets := []*decimal.Decimal{
		&rec.Price,
		&rec.AnnualRate,
		&rec.BackingRatio,
		&rec.SupplyBefore,
		&rec.SupplyAfter,
		&rec.Index,
		&rec.SeniorValue,
		&rec.JuniorValue,
		&rec.ReserveValue,
		&rec.ToJunior,
		&rec.ToReserve,
		&rec.FromReserve,
		&rec.FromJunior,
		&rec.Shortfall,
	}
	for i, target := range targets {
		value, err := decimal.NewFromString(numeric[i])
		if err != nil {
			return RebaseRecord{}, fmt.Errorf("parse rebase numeric column %d: %w", i, err)
		}
		*target = value
	}
	return rec, nil
}

var (
	_ RebaseStore     = (*Store)(nil)
	_ AlertStore      = (*Store)(nil)
	_ CheckpointStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
