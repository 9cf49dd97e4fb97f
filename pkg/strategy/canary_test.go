/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscore/rollout/pkg/cluster"
)

func testNodes(count int) []*cluster.Node {
	nodes := make([]*cluster.Node, 0, count)
	for i := 0; i < count; i++ {
		nodes = append(nodes, &cluster.Node{NodeId: fmt.Sprintf("node-%02d", i)})
	}
	return nodes
}

func nodeIds(nodes []*cluster.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.NodeId)
	}
	return ids
}

func TestRankNodesDeterministic(t *testing.T) {
	nodes := testNodes(10)

	first := rankNodes("deploy-abc", nodes)
	second := rankNodes("deploy-abc", nodes)
	assert.Equal(t, nodeIds(first), nodeIds(second))

	// A different execution shuffles differently on any realistic fleet.
	other := rankNodes("deploy-xyz", nodes)
	assert.NotEqual(t, nodeIds(first), nodeIds(other))

	// The input slice is never reordered in place.
	assert.Equal(t, "node-00", nodes[0].NodeId)
	assert.Len(t, first, len(nodes))
}

func TestCanaryStepsAreSupersets(t *testing.T) {
	ranked := rankNodes("deploy-abc", testNodes(20))

	previous := map[string]bool{}
	for _, percent := range []int{5, 25, 50, 100} {
		count := nodesForPercent(len(ranked), percent)
		selection := ranked[:count]
		for id := range previous {
			assert.Contains(t, nodeIds(selection), id)
		}
		for _, node := range selection {
			previous[node.NodeId] = true
		}
	}
	assert.Len(t, previous, 20)
}

func TestNodesForPercent(t *testing.T) {
	cases := []struct {
		total, percent, want int
	}{
		{total: 0, percent: 10, want: 0},
		{total: 20, percent: 5, want: 1},
		{total: 20, percent: 25, want: 5},
		{total: 20, percent: 100, want: 20},
		{total: 3, percent: 50, want: 2},  // rounds up
		{total: 1, percent: 1, want: 1},   // never below one node
		{total: 4, percent: 200, want: 4}, // capped at the fleet
	}
	for _, c := range cases {
		assert.Equal(t, c.want, nodesForPercent(c.total, c.percent),
			"total=%d percent=%d", c.total, c.percent)
	}
}

func TestObservationPlan(t *testing.T) {
	samples, interval := observationPlan(60 * time.Second)
	assert.Equal(t, 6, samples)
	assert.Equal(t, 10*time.Second, interval)

	// Short windows keep the interval at one second and shrink the samples.
	samples, interval = observationPlan(3 * time.Second)
	assert.Equal(t, 3, samples)
	assert.Equal(t, time.Second, interval)

	// A tiny window still observes at least once.
	samples, _ = observationPlan(100 * time.Millisecond)
	require.GreaterOrEqual(t, samples, 1)
}
