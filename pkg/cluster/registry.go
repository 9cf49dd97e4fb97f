/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Node is the registry view of a deployment target.
type Node struct {
	NodeId      string      `json:"nodeId"`
	Hostname    string      `json:"hostname"`
	Environment Environment `json:"environment"`
	Pool        string      `json:"pool,omitempty"`
	Health      string      `json:"health,omitempty"`
	// Versions maps module name to the deployed version.
	Versions map[string]string `json:"versions,omitempty"`
}

// inventory is the on-disk node declaration loaded at startup.
type inventory struct {
	Nodes []Node `json:"nodes"`
}

// Registry tracks the nodes of every environment. The database holds the
// authoritative state; the YAML inventory file seeds it at startup.
type Registry struct {
	store dbclient.ClusterInterface
}

func NewRegistry(store dbclient.ClusterInterface) *Registry {
	return &Registry{store: store}
}

// LoadInventory reads the node inventory file and syncs it into the store.
// Nodes already known keep their recorded health and versions.
func (r *Registry) LoadInventory(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read node inventory %s: %w", path, err)
	}
	var inv inventory
	if err = yaml.Unmarshal(data, &inv); err != nil {
		return fmt.Errorf("failed to parse node inventory %s: %w", path, err)
	}
	for i := range inv.Nodes {
		node := &inv.Nodes[i]
		if node.NodeId == "" || node.Hostname == "" {
			return commonerrors.NewBadRequest(fmt.Sprintf("inventory entry %d is missing nodeId or hostname", i))
		}
		if _, err = ParseEnvironment(string(node.Environment)); err != nil {
			return err
		}
		existing, err := r.store.GetClusterNode(ctx, node.NodeId)
		if err != nil && !commonerrors.IsNotFound(err) {
			return err
		}
		row := &dbclient.ClusterNode{
			NodeId:      node.NodeId,
			Hostname:    node.Hostname,
			Environment: string(node.Environment),
			Pool:        dbutils.NullString(node.Pool),
			Health:      HealthUnknown,
		}
		if existing != nil {
			row.Health = existing.Health
			row.Versions = existing.Versions
			row.LastHeartbeat = existing.LastHeartbeat
		}
		if err = r.store.UpsertClusterNode(ctx, row); err != nil {
			return err
		}
	}
	klog.Infof("node inventory loaded, %d nodes registered from %s", len(inv.Nodes), path)
	return nil
}

// Nodes lists the nodes of an environment.
func (r *Registry) Nodes(ctx context.Context, env Environment) ([]*Node, error) {
	rows, err := r.store.ListClusterNodes(ctx, string(env))
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, fromRow(row))
	}
	return nodes, nil
}

// NodesInPool lists the nodes of one blue/green pool.
func (r *Registry) NodesInPool(ctx context.Context, env Environment, pool string) ([]*Node, error) {
	nodes, err := r.Nodes(ctx, env)
	if err != nil {
		return nil, err
	}
	filtered := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Pool == pool {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

// ActivePool returns the pool currently serving traffic in an environment.
func (r *Registry) ActivePool(ctx context.Context, env Environment) (string, error) {
	return r.store.GetActivePool(ctx, string(env))
}

// SwitchActivePool flips traffic to the given pool.
func (r *Registry) SwitchActivePool(ctx context.Context, env Environment, pool string) error {
	if pool != PoolBlue && pool != PoolGreen {
		return commonerrors.NewBadRequest(fmt.Sprintf("unknown pool %q", pool))
	}
	klog.Infof("switching active pool of %s to %s", env, pool)
	return r.store.SetActivePool(ctx, string(env), pool)
}

// UpdateHealth records the outcome of a health probe.
func (r *Registry) UpdateHealth(ctx context.Context, nodeId, health string) error {
	return r.store.UpdateNodeHealth(ctx, nodeId, health)
}

// RecordVersion updates the deployed version of one module on a node.
func (r *Registry) RecordVersion(ctx context.Context, nodeId, moduleName, version string) error {
	row, err := r.store.GetClusterNode(ctx, nodeId)
	if err != nil {
		return err
	}
	versions := map[string]string{}
	if row.Versions.Valid && row.Versions.String != "" {
		if err = json.Unmarshal([]byte(row.Versions.String), &versions); err != nil {
			klog.ErrorS(err, "malformed versions column, resetting", "node", nodeId)
			versions = map[string]string{}
		}
	}
	versions[moduleName] = version
	data, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	return r.store.UpdateNodeVersions(ctx, nodeId, string(data))
}

// SnapshotVersions captures the node->version map of one module across an
// environment. Nodes without the module deployed are omitted.
func (r *Registry) SnapshotVersions(ctx context.Context, env Environment, moduleName string) (map[string]string, error) {
	nodes, err := r.Nodes(ctx, env)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]string)
	for _, node := range nodes {
		if version, ok := node.Versions[moduleName]; ok {
			snapshot[node.NodeId] = version
		}
	}
	return snapshot, nil
}

func fromRow(row *dbclient.ClusterNode) *Node {
	node := &Node{
		NodeId:      row.NodeId,
		Hostname:    row.Hostname,
		Environment: Environment(row.Environment),
		Pool:        dbutils.ParseNullString(row.Pool),
		Health:      row.Health,
	}
	if row.Versions.Valid && row.Versions.String != "" {
		versions := map[string]string{}
		if err := json.Unmarshal([]byte(row.Versions.String), &versions); err == nil {
			node.Versions = versions
		}
	}
	return node
}
