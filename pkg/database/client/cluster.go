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
	"k8s.io/klog/v2"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertClusterNodeFormat = `INSERT INTO ` + TClusterNode + ` (%s) VALUES (%s)`
	insertSnapshotFormat    = `INSERT INTO ` + TEnvironmentSnapshot + ` (%s) VALUES (%s)`
)

const (
	TClusterNode         = "cluster_nodes"
	TEnvironmentPool     = "environment_pools"
	TEnvironmentSnapshot = "environment_snapshots"
)

type ClusterInterface interface {
	UpsertClusterNode(ctx context.Context, node *ClusterNode) error
	GetClusterNode(ctx context.Context, nodeId string) (*ClusterNode, error)
	ListClusterNodes(ctx context.Context, environment string) ([]*ClusterNode, error)
	UpdateNodeHealth(ctx context.Context, nodeId, health string) error
	UpdateNodeVersions(ctx context.Context, nodeId, versions string) error

	GetActivePool(ctx context.Context, environment string) (string, error)
	SetActivePool(ctx context.Context, environment, pool string) error

	CreateEnvironmentSnapshot(ctx context.Context, snapshot *EnvironmentSnapshot) (int64, error)
	ListEnvironmentSnapshots(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*EnvironmentSnapshot, error)
}

// UpsertClusterNode registers a node or refreshes its registration.
func (c *Client) UpsertClusterNode(ctx context.Context, node *ClusterNode) error {
	if node == nil {
		return commonerrors.NewBadRequest("node is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := generateCommand(*node, insertClusterNodeFormat, "id")
	cmd += ` ON CONFLICT (node_id) DO UPDATE SET
		hostname=EXCLUDED.hostname,
		environment=EXCLUDED.environment,
		pool=EXCLUDED.pool,
		health=EXCLUDED.health,
		last_heartbeat=EXCLUDED.last_heartbeat`
	_, err = db.NamedExecContext(ctx, cmd, node)
	if err != nil {
		klog.ErrorS(err, "failed to upsert cluster node", "node", node.NodeId)
	}
	return err
}

// GetClusterNode gets a node by its ID.
func (c *Client) GetClusterNode(ctx context.Context, nodeId string) (*ClusterNode, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TClusterNode).
		Where(sqrl.Eq{"node_id": nodeId}).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*ClusterNode
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("Node", nodeId)
	}
	return list[0], nil
}

// ListClusterNodes lists the nodes of an environment in a stable order.
func (c *Client) ListClusterNodes(ctx context.Context, environment string) ([]*ClusterNode, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TClusterNode).
		Where(sqrl.Eq{"environment": environment}).
		OrderBy("node_id " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*ClusterNode
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateNodeHealth records the latest health probe outcome for a node.
func (c *Client) UpdateNodeHealth(ctx context.Context, nodeId, health string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TClusterNode).PlaceholderFormat(sqrl.Dollar).
		Set("health", health).
		Set("last_heartbeat", time.Now().UTC()).
		Where(sqrl.Eq{"node_id": nodeId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// UpdateNodeVersions replaces the module->version map of a node.
func (c *Client) UpdateNodeVersions(ctx context.Context, nodeId, versions string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	sql, args, err := sqrl.Update(TClusterNode).PlaceholderFormat(sqrl.Dollar).
		Set("versions", versions).
		Where(sqrl.Eq{"node_id": nodeId}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sql, args...)
	return err
}

// GetActivePool returns which blue/green pool currently serves traffic in an
// environment. Environments without a pool row default to "blue".
func (c *Client) GetActivePool(ctx context.Context, environment string) (string, error) {
	db, err := c.getDB()
	if err != nil {
		return "", err
	}
	query, args, err := sqrl.Select("active_pool").PlaceholderFormat(sqrl.Dollar).
		From(TEnvironmentPool).
		Where(sqrl.Eq{"environment": environment}).ToSql()
	if err != nil {
		return "", err
	}
	var pool string
	if err = db.GetContext(ctx, &pool, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "blue", nil
		}
		return "", err
	}
	return pool, nil
}

// SetActivePool records the traffic switch of a blue/green deployment.
func (c *Client) SetActivePool(ctx context.Context, environment, pool string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := `INSERT INTO ` + TEnvironmentPool + ` (environment, active_pool, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (environment) DO UPDATE SET
			active_pool=EXCLUDED.active_pool,
			updated_at=EXCLUDED.updated_at`
	_, err = db.ExecContext(ctx, cmd, environment, pool, time.Now().UTC())
	return err
}

// CreateEnvironmentSnapshot records the per-node versions of a module in an
// environment at a point in time.
func (c *Client) CreateEnvironmentSnapshot(ctx context.Context, snapshot *EnvironmentSnapshot) (int64, error) {
	if snapshot == nil {
		return 0, commonerrors.NewBadRequest("snapshot is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	snapshot.CreatedAt = dbutils.NullTime(time.Now().UTC())
	cmd := generateCommand(*snapshot, insertSnapshotFormat, "id")
	cmd += " RETURNING id"

	rows, err := db.NamedQueryContext(ctx, cmd, snapshot)
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

// ListEnvironmentSnapshots lists snapshots.
func (c *Client) ListEnvironmentSnapshots(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*EnvironmentSnapshot, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TEnvironmentSnapshot).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*EnvironmentSnapshot
	if err = db.SelectContext(ctx, &list, sql, args...); err != nil {
		return nil, err
	}
	return list, nil
}
