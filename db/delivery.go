package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

const (
	deliveryColumns = `id, activity_id, activity_json, inbox_uri, signer_id, attempts, next_attempt_at,
		state, last_status, last_error, created_at, updated_at`

	sqlInsertDelivery = `INSERT INTO delivery_jobs(` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Claiming flips due jobs to in_flight in one statement so no two
	// workers can pick up the same job.
	sqlClaimDueDeliveries = `UPDATE delivery_jobs SET state = 'in_flight', updated_at = ?
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE state = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at
			LIMIT ?
		)
		RETURNING ` + deliveryColumns

	sqlDeleteDelivery     = `DELETE FROM delivery_jobs WHERE id = ?`
	sqlRescheduleDelivery = `UPDATE delivery_jobs SET state = 'pending', attempts = ?, next_attempt_at = ?,
		last_status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	sqlFailDelivery = `UPDATE delivery_jobs SET state = 'failed', attempts = ?, last_status = ?, last_error = ?,
		updated_at = ? WHERE id = ?`
	sqlReleaseDelivery         = `UPDATE delivery_jobs SET state = 'pending', updated_at = ? WHERE id = ? AND state = 'in_flight'`
	sqlReleaseInFlight         = `UPDATE delivery_jobs SET state = 'pending', updated_at = ? WHERE state = 'in_flight'`
	sqlSelectDeliveriesByState = `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE state = ? ORDER BY created_at LIMIT ?`
	sqlSelectDeliveryById      = `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE id = ?`
)

func scanDelivery(row rowScanner) (*domain.DeliveryJob, error) {
	var (
		j                             domain.DeliveryJob
		nextAttempt, created, updated int64
	)
	err := row.Scan(&j.Id, &j.ActivityId, &j.ActivityJSON, &j.InboxURI, &j.SignerId, &j.Attempts, &nextAttempt,
		&j.State, &j.LastStatus, &j.LastError, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.NextAttemptAt = fromMillis(nextAttempt)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

// EnqueueDeliveries stores the jobs in a single transaction.
func (db *DB) EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) error {
	now := time.Now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, j := range jobs {
			if j.Id == uuid.Nil {
				j.Id = uuid.New()
			}
			if j.NextAttemptAt.IsZero() {
				j.NextAttemptAt = now
			}
			if j.State == "" {
				j.State = domain.DeliveryPending
			}
			j.CreatedAt, j.UpdatedAt = now, now
			_, err := tx.ExecContext(ctx, sqlInsertDelivery, j.Id.String(), j.ActivityId, j.ActivityJSON, j.InboxURI,
				j.SignerId.String(), j.Attempts, toMillis(j.NextAttemptAt), string(j.State), j.LastStatus, j.LastError,
				toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimDueDeliveries marks up to limit due jobs in_flight and returns them.
func (db *DB) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error) {
	var jobs []domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		jobs = nil
		rows, err := tx.QueryContext(ctx, sqlClaimDueDeliveries, toMillis(now), toMillis(now), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanDelivery(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *j)
		}
		return rows.Err()
	})
	return jobs, err
}

// CompleteDelivery drops a delivered job.
func (db *DB) CompleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, sqlDeleteDelivery, id.String())
}

func (db *DB) RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, next time.Time, status int, lastErr string) error {
	return db.exec(ctx, sqlRescheduleDelivery, attempts, toMillis(next), status, lastErr, toMillis(time.Now()), id.String())
}

// FailDelivery parks the job in the terminal failed state.
func (db *DB) FailDelivery(ctx context.Context, id uuid.UUID, attempts int, status int, lastErr string) error {
	return db.exec(ctx, sqlFailDelivery, attempts, status, lastErr, toMillis(time.Now()), id.String())
}

// ReleaseDelivery returns a claimed job to pending without counting an attempt.
func (db *DB) ReleaseDelivery(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, sqlReleaseDelivery, toMillis(time.Now()), id.String())
}

// ReleaseInFlightDeliveries requeues jobs left in_flight by a previous process.
func (db *DB) ReleaseInFlightDeliveries(ctx context.Context) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlReleaseInFlight, toMillis(time.Now()))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) ListDeliveries(ctx context.Context, state domain.DeliveryState, limit int) ([]domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveriesByState, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		j, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (db *DB) FindDeliveryById(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanDelivery(db.db.QueryRowContext(ctx, sqlSelectDeliveryById, id.String()))
}

func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}
