/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"time"

	sqrl "github.com/Masterminds/squirrel"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertIdempotencyFormat = `INSERT INTO ` + TIdempotencyRecord + ` (%s) VALUES (%s)`
)

const (
	TIdempotencyRecord = "idempotency_records"
)

type IdempotencyInterface interface {
	CheckOrInsertIdempotencyKey(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error)
	PurgeExpiredIdempotencyKeys(ctx context.Context) (int, error)
}

// CheckOrInsertIdempotencyKey atomically claims an idempotency key. When the
// key is new it is inserted and (valueRef, true) is returned. When the key
// already exists the stored reference of the first request is returned with
// false, so the caller replays the original response instead of acting twice.
func (c *Client) CheckOrInsertIdempotencyKey(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, commonerrors.NewBadRequest("idempotency key is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return "", false, err
	}
	now := time.Now().UTC()
	record := &IdempotencyRecord{
		Key:       key,
		ValueRef:  valueRef,
		CreatedAt: dbutils.NullTime(now),
		ExpiresAt: dbutils.NullTime(now.Add(ttl)),
	}
	cmd := generateCommand(*record, insertIdempotencyFormat, "id")
	cmd += " ON CONFLICT (key) DO NOTHING RETURNING id"

	rows, err := db.NamedQueryContext(ctx, cmd, record)
	if err != nil {
		return "", false, err
	}
	inserted := rows.Next()
	rows.Close()
	if inserted {
		return valueRef, true, nil
	}

	// Lost the race or a repeat request: read the winning reference.
	sql, args, err := sqrl.Select("value_ref").PlaceholderFormat(sqrl.Dollar).
		From(TIdempotencyRecord).
		Where(sqrl.Eq{"key": key}).ToSql()
	if err != nil {
		return "", false, err
	}
	var existing string
	if err = db.GetContext(ctx, &existing, sql, args...); err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// PurgeExpiredIdempotencyKeys removes records past their retention window.
func (c *Client) PurgeExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	sql, args, err := sqrl.Delete(TIdempotencyRecord).PlaceholderFormat(sqrl.Dollar).
		Where(sqrl.Lt{"expires_at": time.Now().UTC()}).ToSql()
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
	return int(affected), nil
}
