/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertApprovalFormat = `INSERT INTO ` + TApprovalRequest + ` (%s) VALUES (%s)`
)

const (
	TApprovalRequest = "approval_requests"

	// ApprovalNotifyChannel is pinged when an approval decision lands so the
	// waiting pipeline resumes without waiting for the next poll.
	ApprovalNotifyChannel = "rollout_approvals"
)

type ApprovalInterface interface {
	CreateApprovalRequest(ctx context.Context, req *ApprovalRequest) (int64, error)
	GetApprovalRequest(ctx context.Context, approvalId string) (*ApprovalRequest, error)
	GetApprovalByExecutionId(ctx context.Context, executionId string) (*ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*ApprovalRequest, error)
	DecideApproval(ctx context.Context, approvalId, status, respondedBy, reason string) (bool, error)
	ExpireOverdueApprovals(ctx context.Context) ([]*ApprovalRequest, error)
}

// CreateApprovalRequest inserts a pending approval request. An execution has
// at most one request; a duplicate insert surfaces as AlreadyExist.
func (c *Client) CreateApprovalRequest(ctx context.Context, req *ApprovalRequest) (int64, error) {
	if req == nil {
		return 0, commonerrors.NewBadRequest("approval request is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	if req.Status == "" {
		req.Status = ApprovalPending
	}
	req.RequestedAt = dbutils.NullTime(time.Now().UTC())

	cmd := generateCommand(*req, insertApprovalFormat, "id")
	cmd += " ON CONFLICT (execution_id) DO NOTHING RETURNING id"

	rows, err := db.NamedQueryContext(ctx, cmd, req)
	if err != nil {
		klog.ErrorS(err, "failed to insert approval request", "execution", req.ExecutionId)
		return 0, err
	}
	defer rows.Close()

	var id int64
	if !rows.Next() {
		return 0, commonerrors.NewAlreadyExist("approval request already exists for execution " + req.ExecutionId)
	}
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetApprovalRequest gets a request by its external ID.
func (c *Client) GetApprovalRequest(ctx context.Context, approvalId string) (*ApprovalRequest, error) {
	dbTags := GetApprovalRequestFieldTags()
	query := sqrl.Eq{GetFieldTag(dbTags, "ApprovalId"): approvalId}
	list, err := c.ListApprovalRequests(ctx, query, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("ApprovalRequest", approvalId)
	}
	return list[0], nil
}

// GetApprovalByExecutionId gets the approval request gating an execution.
func (c *Client) GetApprovalByExecutionId(ctx context.Context, executionId string) (*ApprovalRequest, error) {
	dbTags := GetApprovalRequestFieldTags()
	query := sqrl.Eq{GetFieldTag(dbTags, "ExecutionId"): executionId}
	list, err := c.ListApprovalRequests(ctx, query, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("ApprovalRequest", executionId)
	}
	return list[0], nil
}

// ListApprovalRequests lists requests.
func (c *Client) ListApprovalRequests(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*ApprovalRequest, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TApprovalRequest).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*ApprovalRequest
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// DecideApproval records an approval decision. The update only fires while
// the request is still pending, so the first decision wins and repeats of
// the same decision become no-ops upstream. It returns false when the
// request had already reached a terminal status.
func (c *Client) DecideApproval(ctx context.Context, approvalId, status, respondedBy, reason string) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	sql, args, err := sqrl.Update(TApprovalRequest).PlaceholderFormat(sqrl.Dollar).
		Set("status", status).
		Set("responded_by", dbutils.NullString(respondedBy)).
		Set("response_reason", dbutils.NullString(reason)).
		Set("responded_at", time.Now().UTC()).
		Where(sqrl.Eq{"approval_id": approvalId, "status": ApprovalPending}).ToSql()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	result, err := tx.ExecContext(ctx, sql, args...)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if affected == 1 {
		if _, err = tx.ExecContext(ctx, "NOTIFY "+ApprovalNotifyChannel); err != nil {
			_ = tx.Rollback()
			return false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ExpireOverdueApprovals moves pending requests past their timeout to the
// expired status and returns the affected rows so the sweeper can fail the
// gated executions.
func (c *Client) ExpireOverdueApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := `UPDATE ` + TApprovalRequest + ` SET
			status=$1,
			response_reason=$2,
			responded_at=$3
		WHERE status=$4 AND timeout_at <= $5
		RETURNING *`

	var list []*ApprovalRequest
	now := time.Now().UTC()
	if err = db.SelectContext(ctx, &list, cmd, ApprovalExpired,
		"approval window elapsed without a decision", now, ApprovalPending, now); err != nil {
		return nil, err
	}
	return list, nil
}
