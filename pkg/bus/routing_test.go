/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

func testTopic(strategy string) *dbclient.BusTopic {
	return &dbclient.BusTopic{Name: "orders", Type: TopicQueue, RoutingStrategy: strategy}
}

func testSubscriptions(names ...string) []*dbclient.BusSubscription {
	subs := make([]*dbclient.BusSubscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, &dbclient.BusSubscription{Topic: "orders", Name: name})
	}
	return subs
}

func TestRouteDirect(t *testing.T) {
	r := newRouter()
	subs := testSubscriptions("billing", "shipping")

	targets, err := r.route(testTopic(RoutingDirect), subs, map[string]string{HeaderTarget: "shipping"}, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "shipping", targets[0].Name)

	// Without a target header the first active subscription receives it.
	targets, err = r.route(testTopic(RoutingDirect), subs, nil, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "billing", targets[0].Name)

	// Unknown target.
	_, err = r.route(testTopic(RoutingDirect), subs, map[string]string{HeaderTarget: "none"}, 0)
	require.Error(t, err)
	assert.True(t, commonerrors.IsNotFound(err))
}

func TestRouteFanOut(t *testing.T) {
	r := newRouter()
	subs := testSubscriptions("a", "b", "c")
	targets, err := r.route(testTopic(RoutingFanOut), subs, nil, 0)
	require.NoError(t, err)
	assert.Len(t, targets, 3)
}

func TestRouteLoadBalancedRoundRobin(t *testing.T) {
	r := newRouter()
	subs := testSubscriptions("a", "b")

	var got []string
	for i := 0; i < 4; i++ {
		targets, err := r.route(testTopic(RoutingLoadBalanced), subs, nil, 0)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		got = append(got, targets[0].Name)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestRoutePriorityBands(t *testing.T) {
	r := newRouter()
	subs := testSubscriptions("first", "mid", "last")

	// The high band always lands on the first subscription.
	for _, priority := range []int{7, 9, 10} {
		targets, err := r.route(testTopic(RoutingPriority), subs, nil, priority)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "first", targets[0].Name, "priority %d", priority)
	}

	// The low band, including the default priority zero, lands on the last.
	for _, priority := range []int{0, 2, 3} {
		targets, err := r.route(testTopic(RoutingPriority), subs, nil, priority)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "last", targets[0].Name, "priority %d", priority)
	}

	// The middle band round-robins across all subscriptions.
	var got []string
	for i := 0; i < 3; i++ {
		targets, err := r.route(testTopic(RoutingPriority), subs, nil, 5)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		got = append(got, targets[0].Name)
	}
	assert.Equal(t, []string{"first", "mid", "last"}, got)
}

func TestRouteContentBased(t *testing.T) {
	r := newRouter()
	subs := testSubscriptions("all", "prod-only")
	subs[1].Filter = dbutils.NullString(`{"environment":"production"}`)

	// Matching headers reach both: the unfiltered and the matching one.
	targets, err := r.route(testTopic(RoutingContentBased), subs, map[string]string{"environment": "production"}, 0)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	// Non-matching headers reach only the unfiltered subscription.
	targets, err = r.route(testTopic(RoutingContentBased), subs, map[string]string{"environment": "qa"}, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "all", targets[0].Name)

	// No match at all is a routing error.
	filtered := testSubscriptions("prod-only")
	filtered[0].Filter = dbutils.NullString(`{"environment":"production"}`)
	_, err = r.route(testTopic(RoutingContentBased), filtered, map[string]string{"environment": "qa"}, 0)
	require.Error(t, err)
}

func TestRouteNoSubscriptions(t *testing.T) {
	r := newRouter()
	_, err := r.route(testTopic(RoutingFanOut), nil, nil, 0)
	require.Error(t, err)
	assert.True(t, commonerrors.IsBadRequest(err))
}
