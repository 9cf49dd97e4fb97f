/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"

	commonerrors "github.com/opscore/rollout/pkg/errors"
)

const (
	TDeploymentLock = "deployment_locks"
)

type LockInterface interface {
	TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (int64, bool, error)
	RenewLock(ctx context.Context, name, owner string, fence int64, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string, fence int64) error
	GetLock(ctx context.Context, name string) (*DeploymentLock, error)
}

// TryAcquireLock attempts to take the named lock in a single statement. The
// insert wins when no row exists; the conflict branch steals the row only if
// the previous holder's TTL has lapsed. Every successful acquisition bumps
// the fencing token so stale holders can be rejected downstream.
func (c *Client) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (int64, bool, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, false, err
	}
	now := time.Now().UTC()
	cmd := `INSERT INTO ` + TDeploymentLock + ` (name, owner, fence, acquired_at, expires_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			owner=EXCLUDED.owner,
			fence=` + TDeploymentLock + `.fence+1,
			acquired_at=EXCLUDED.acquired_at,
			expires_at=EXCLUDED.expires_at
		WHERE ` + TDeploymentLock + `.expires_at <= $5
		RETURNING fence`

	var fence int64
	err = db.GetContext(ctx, &fence, cmd, name, owner, now, now.Add(ttl), now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row exists and the current holder's TTL has not lapsed.
			return 0, false, nil
		}
		return 0, false, err
	}
	return fence, true, nil
}

// RenewLock extends the TTL of a lock still held by (owner, fence). It
// returns false when the lock was lost, in which case the holder must abort.
func (c *Client) RenewLock(ctx context.Context, name, owner string, fence int64, ttl time.Duration) (bool, error) {
	db, err := c.getDB()
	if err != nil {
		return false, err
	}
	query, args, err := sqrl.Update(TDeploymentLock).PlaceholderFormat(sqrl.Dollar).
		Set("expires_at", time.Now().UTC().Add(ttl)).
		Where(sqrl.Eq{"name": name, "owner": owner, "fence": fence}).ToSql()
	if err != nil {
		return false, err
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseLock releases a lock held by (owner, fence). Releasing a lock
// already stolen by another holder is a no-op.
func (c *Client) ReleaseLock(ctx context.Context, name, owner string, fence int64) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	query, args, err := sqrl.Delete(TDeploymentLock).PlaceholderFormat(sqrl.Dollar).
		Where(sqrl.Eq{"name": name, "owner": owner, "fence": fence}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}

// GetLock reads the current state of a lock row.
func (c *Client) GetLock(ctx context.Context, name string) (*DeploymentLock, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TDeploymentLock).
		Where(sqrl.Eq{"name": name}).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*DeploymentLock
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("Lock", name)
	}
	return list[0], nil
}
