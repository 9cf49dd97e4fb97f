/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertExecutionFormat  = `INSERT INTO ` + TDeploymentExecution + ` (%s) VALUES (%s)`
	insertStageFormat      = `INSERT INTO ` + TDeploymentStage + ` (%s) VALUES (%s)`
	insertNodeResultFormat = `INSERT INTO ` + TDeploymentNodeResult + ` (%s) VALUES (%s)`
)

const (
	TDeploymentExecution  = "deployment_executions"
	TDeploymentStage      = "deployment_stages"
	TDeploymentNodeResult = "deployment_node_results"
)

type ExecutionInterface interface {
	CreateDeploymentExecution(ctx context.Context, execution *DeploymentExecution) (int64, error)
	CreateDeploymentExecutionTx(ctx context.Context, tx *sqlx.Tx, execution *DeploymentExecution) (int64, error)
	GetDeploymentExecution(ctx context.Context, executionId string) (*DeploymentExecution, error)
	ListDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*DeploymentExecution, error)
	CountDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer) (int, error)
	UpdateExecutionStatus(ctx context.Context, executionId, fromStatus, toStatus, message string) (bool, error)
	FinishExecution(ctx context.Context, executionId, status, message string) error
	SetExecutionPreviousState(ctx context.Context, executionId, previousState string) error
	SetExecutionRollbackFrom(ctx context.Context, executionId, sourceId string) error
	RequestExecutionCancel(ctx context.Context, executionId string) (bool, error)

	UpsertDeploymentStage(ctx context.Context, stage *DeploymentStage) error
	ListDeploymentStages(ctx context.Context, executionId string) ([]*DeploymentStage, error)

	CreateDeploymentNodeResult(ctx context.Context, result *DeploymentNodeResult) (int64, error)
	ListDeploymentNodeResults(ctx context.Context, executionId string) ([]*DeploymentNodeResult, error)
}

// CreateDeploymentExecution inserts a new deployment execution.
func (c *Client) CreateDeploymentExecution(ctx context.Context, execution *DeploymentExecution) (int64, error) {
	if execution == nil {
		return 0, commonerrors.NewBadRequest("execution is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	return insertExecution(ctx, db, execution)
}

// CreateDeploymentExecutionTx inserts a new deployment execution inside the
// caller's transaction so the execution, its job and its outbox event commit
// atomically.
func (c *Client) CreateDeploymentExecutionTx(ctx context.Context, tx *sqlx.Tx, execution *DeploymentExecution) (int64, error) {
	if execution == nil {
		return 0, commonerrors.NewBadRequest("execution is nil")
	}
	return insertExecution(ctx, tx.Unsafe(), execution)
}

func insertExecution(ctx context.Context, db sqlx.ExtContext, execution *DeploymentExecution) (int64, error) {
	if !execution.CreatedAt.Valid {
		execution.CreatedAt = dbutils.NullTime(time.Now().UTC())
	}
	cmd := generateCommand(*execution, insertExecutionFormat, "id")
	cmd += " RETURNING id"

	rows, err := sqlx.NamedQueryContext(ctx, db, cmd, execution)
	if err != nil {
		klog.ErrorS(err, "failed to insert deployment execution", "execution", execution.ExecutionId)
		return 0, err
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			klog.ErrorS(err, "failed to scan inserted execution ID")
			return 0, err
		}
	}
	return id, nil
}

// GetDeploymentExecution gets an execution by its external ID.
func (c *Client) GetDeploymentExecution(ctx context.Context, executionId string) (*DeploymentExecution, error) {
	dbTags := GetDeploymentExecutionFieldTags()
	query := sqrl.Eq{GetFieldTag(dbTags, "ExecutionId"): executionId}
	list, err := c.ListDeploymentExecutions(ctx, query, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("DeploymentExecution", executionId)
	}
	return list[0], nil
}

// ListDeploymentExecutions lists executions.
func (c *Client) ListDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*DeploymentExecution, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}

	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TDeploymentExecution).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}

	var list []*DeploymentExecution
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// CountDeploymentExecutions counts executions.
func (c *Client) CountDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	sql, args, err := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TDeploymentExecution).Where(query).ToSql()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = db.GetContext(ctx, &cnt, sql, args...)
	return cnt, err
}

// UpdateExecutionStatus performs a compare-and-swap transition of the
// execution status. It returns false when the row was not in fromStatus,
// which lets concurrent workers detect lost races without extra locking.
func (c *Client) UpdateExecutionStatus(ctx context.Context, executionId, fromStatus, toStatus, message string) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	builder := sqrl.Update(TDeploymentExecution).PlaceholderFormat(sqrl.Dollar).
		Set("status", toStatus).
		Where(sqrl.Eq{"execution_id": executionId, "status": fromStatus})
	if message != "" {
		builder = builder.Set("message", message)
	}
	if fromStatus == ExecutionCreated {
		builder = builder.Set("started_at", time.Now().UTC())
	}
	sql, args, err := builder.ToSql()
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

// FinishExecution moves an execution to a terminal status unconditionally
// and stamps the end time. The status machine guards transitions upstream.
func (c *Client) FinishExecution(ctx context.Context, executionId, status, message string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TDeploymentExecution).PlaceholderFormat(sqrl.Dollar).
		Set("status", status).
		Set("message", message).
		Set("ended_at", time.Now().UTC()).
		Where(sqrl.Eq{"execution_id": executionId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// SetExecutionPreviousState records the per-node versions observed before
// the deployment started, used as the rollback target.
func (c *Client) SetExecutionPreviousState(ctx context.Context, executionId, previousState string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TDeploymentExecution).PlaceholderFormat(sqrl.Dollar).
		Set("previous_state", previousState).
		Where(sqrl.Eq{"execution_id": executionId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// RequestExecutionCancel flags a non-terminal execution for cancellation.
// The pipeline honors the flag at its next cancellation point. Returns false
// when the execution is already terminal.
func (c *Client) RequestExecutionCancel(ctx context.Context, executionId string) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	terminal := []string{
		ExecutionSucceeded, ExecutionFailed, ExecutionRolledBack, ExecutionRolledBackWithErrors,
		ExecutionRejectedApproval, ExecutionExpired, ExecutionCancelled,
	}
	sql, args, err := sqrl.Update(TDeploymentExecution).PlaceholderFormat(sqrl.Dollar).
		Set("cancel_requested", true).
		Where(sqrl.Eq{"execution_id": executionId}).
		Where(sqrl.NotEq{"status": terminal}).ToSql()
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

// PurgeOldExecutions removes terminal executions older than the retention
// window, together with their stages and node results.
func (c *Client) PurgeOldExecutions(ctx context.Context, olderThan time.Time) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	terminal := []string{
		ExecutionSucceeded, ExecutionFailed, ExecutionRolledBack, ExecutionRolledBackWithErrors,
		ExecutionRejectedApproval, ExecutionExpired, ExecutionCancelled,
	}
	sql, args, err := sqrl.Select("execution_id").PlaceholderFormat(sqrl.Dollar).
		From(TDeploymentExecution).
		Where(sqrl.Eq{"status": terminal}).
		Where(sqrl.Lt{"created_at": olderThan}).ToSql()
	if err != nil {
		return 0, err
	}
	var ids []string
	if err = db.SelectContext(ctx, &ids, sql, args...); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = c.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{TDeploymentNodeResult, TDeploymentStage, TDeploymentExecution} {
			del, delArgs, sqlErr := sqrl.Delete(table).PlaceholderFormat(sqrl.Dollar).
				Where(sqrl.Eq{"execution_id": ids}).ToSql()
			if sqlErr != nil {
				return sqlErr
			}
			if _, execErr := tx.ExecContext(ctx, del, delArgs...); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// SetExecutionRollbackFrom links a rollback execution to the execution it
// reverses.
func (c *Client) SetExecutionRollbackFrom(ctx context.Context, executionId, sourceId string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TDeploymentExecution).PlaceholderFormat(sqrl.Dollar).
		Set("rollback_from_id", sourceId).
		Where(sqrl.Eq{"execution_id": executionId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// UpsertDeploymentStage inserts or replaces a stage record for an execution.
// The (execution_id, name) pair is unique; re-running a stage after resume
// overwrites its previous checkpoint.
func (c *Client) UpsertDeploymentStage(ctx context.Context, stage *DeploymentStage) error {
	if stage == nil {
		return commonerrors.NewBadRequest("stage is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := generateCommand(*stage, insertStageFormat, "id")
	cmd += ` ON CONFLICT (execution_id, name) DO UPDATE SET
		status=EXCLUDED.status,
		message=EXCLUDED.message,
		checkpoint=EXCLUDED.checkpoint,
		started_at=COALESCE(` + TDeploymentStage + `.started_at, EXCLUDED.started_at),
		ended_at=EXCLUDED.ended_at`
	_, err = db.NamedExecContext(ctx, cmd, stage)
	if err != nil {
		klog.ErrorS(err, "failed to upsert deployment stage",
			"execution", stage.ExecutionId, "stage", stage.Name)
	}
	return err
}

// ListDeploymentStages lists the stage records of an execution in insert order.
func (c *Client) ListDeploymentStages(ctx context.Context, executionId string) ([]*DeploymentStage, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TDeploymentStage).
		Where(sqrl.Eq{"execution_id": executionId}).
		OrderBy("id " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*DeploymentStage
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateDeploymentNodeResult records the outcome of one node operation.
func (c *Client) CreateDeploymentNodeResult(ctx context.Context, result *DeploymentNodeResult) (int64, error) {
	if result == nil {
		return 0, commonerrors.NewBadRequest("node result is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	result.CreatedAt = dbutils.NullTime(time.Now().UTC())
	cmd := generateCommand(*result, insertNodeResultFormat, "id")
	cmd += " RETURNING id"

	rows, err := db.NamedQueryContext(ctx, cmd, result)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// ListDeploymentNodeResults lists the per-node outcomes of an execution.
func (c *Client) ListDeploymentNodeResults(ctx context.Context, executionId string) ([]*DeploymentNodeResult, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TDeploymentNodeResult).
		Where(sqrl.Eq{"execution_id": executionId}).
		OrderBy("id " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*DeploymentNodeResult
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}
