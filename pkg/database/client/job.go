/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertJobFormat = `INSERT INTO ` + TJob + ` (%s) VALUES (%s)`
)

const (
	TJob = "jobs"

	// JobNotifyChannel is the LISTEN/NOTIFY channel pinged when a job
	// becomes runnable. Workers still poll as a fallback.
	JobNotifyChannel = "rollout_jobs"
)

type JobInterface interface {
	CreateJobTx(ctx context.Context, tx *sqlx.Tx, job *Job) (int64, error)
	GetJobByExecutionId(ctx context.Context, executionId string) (*Job, error)
	ClaimJob(ctx context.Context, instance string, leaseDuration time.Duration) (*Job, error)
	CompleteJob(ctx context.Context, jobId int64, status, errorMessage string) error
	RequeueJob(ctx context.Context, jobId int64, retryCount int, nextRetryAt time.Time, errorMessage string) error
	RenewJobLease(ctx context.Context, jobId int64, instance string, leaseDuration time.Duration) (bool, error)
	ReleaseStaleJobs(ctx context.Context) (int, error)
}

// CreateJobTx inserts a pending job inside the caller's transaction and
// notifies listening workers on commit.
func (c *Client) CreateJobTx(ctx context.Context, tx *sqlx.Tx, job *Job) (int64, error) {
	if job == nil {
		return 0, commonerrors.NewBadRequest("job is nil")
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	job.CreatedAt = dbutils.NullTime(time.Now().UTC())

	cmd := generateCommand(*job, insertJobFormat, "id")
	cmd += " RETURNING id"

	rows, err := sqlx.NamedQueryContext(ctx, tx.Unsafe(), cmd, job)
	if err != nil {
		klog.ErrorS(err, "failed to insert job", "execution", job.ExecutionId)
		return 0, err
	}
	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
	}
	rows.Close()

	// NOTIFY participates in the transaction: it is delivered only on commit.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("NOTIFY %s", JobNotifyChannel)); err != nil {
		return 0, err
	}
	return id, nil
}

// GetJobByExecutionId gets the job driving an execution.
func (c *Client) GetJobByExecutionId(ctx context.Context, executionId string) (*Job, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TJob).
		Where(sqrl.Eq{"execution_id": executionId}).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*Job
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("Job", executionId)
	}
	return list[0], nil
}

// ClaimJob atomically claims the oldest runnable job for this worker
// instance. SKIP LOCKED keeps concurrent workers from blocking each other
// and guarantees a job is handed to exactly one of them.
func (c *Client) ClaimJob(ctx context.Context, instance string, leaseDuration time.Duration) (*Job, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cmd := fmt.Sprintf(`UPDATE %s SET
			status=$1,
			processing_instance=$2,
			locked_until=$3,
			started_at=COALESCE(started_at, $4)
		WHERE id = (
			SELECT id FROM %s
			WHERE status=$5 AND (next_retry_at IS NULL OR next_retry_at <= $6)
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`, TJob, TJob)

	var job Job
	err = db.GetContext(ctx, &job, cmd,
		JobRunning, instance, now.Add(leaseDuration), now, JobPending, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// CompleteJob moves a job to its terminal status.
func (c *Client) CompleteJob(ctx context.Context, jobId int64, status, errorMessage string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TJob).PlaceholderFormat(sqrl.Dollar).
		Set("status", status).
		Set("error_message", dbutils.NullString(errorMessage)).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Set("ended_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": jobId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// RequeueJob returns a job to the pending state for a later retry attempt.
func (c *Client) RequeueJob(ctx context.Context, jobId int64, retryCount int, nextRetryAt time.Time, errorMessage string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TJob).PlaceholderFormat(sqrl.Dollar).
		Set("status", JobPending).
		Set("retry_count", retryCount).
		Set("next_retry_at", nextRetryAt).
		Set("error_message", dbutils.NullString(errorMessage)).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Where(sqrl.Eq{"id": jobId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// RenewJobLease extends the lease of a running job. It returns false when the
// job is no longer owned by this instance, in which case the worker must stop.
func (c *Client) RenewJobLease(ctx context.Context, jobId int64, instance string, leaseDuration time.Duration) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	sql, args, err := sqrl.Update(TJob).PlaceholderFormat(sqrl.Dollar).
		Set("locked_until", time.Now().UTC().Add(leaseDuration)).
		Where(sqrl.Eq{"id": jobId, "status": JobRunning, "processing_instance": instance}).ToSql()
	if err != nil {
		return false, err
	}
	result, err := db.ExecContext(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseStaleJobs returns jobs whose lease expired back to the pending
// state so another worker can pick them up. Covers worker crashes.
func (c *Client) ReleaseStaleJobs(ctx context.Context) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	sql, args, err := sqrl.Update(TJob).PlaceholderFormat(sqrl.Dollar).
		Set("status", JobPending).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Where(sqrl.Eq{"status": JobRunning}).
		Where(sqrl.Lt{"locked_until": time.Now().UTC()}).ToSql()
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		klog.Warningf("released %d stale jobs back to pending", affected)
	}
	return int(affected), nil
}
