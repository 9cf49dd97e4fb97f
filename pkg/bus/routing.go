/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Routing strategies decide which subscriptions receive a published message.
const (
	RoutingDirect       = "direct"
	RoutingLoadBalanced = "load_balanced"
	RoutingFanOut       = "fan_out"
	RoutingPriority     = "priority"
	RoutingContentBased = "content_based"
)

// HeaderTarget names the subscription a directly-routed message is bound for.
// Without it a direct topic delivers to its first active subscription.
const HeaderTarget = "target"

// Priority bands. High-priority messages pin to the first subscription, low
// ones to the last; the middle band round-robins like load balancing.
const (
	priorityHigh = 7
	priorityLow  = 3
)

// router selects target subscriptions at publish time. The load-balanced
// cursor is per-process; fairness across instances comes from the claim
// order, not the cursor.
type router struct {
	mu      sync.Mutex
	cursors map[string]int
}

func newRouter() *router {
	return &router{cursors: make(map[string]int)}
}

// route returns the subscriptions that must receive the message.
func (r *router) route(topic *dbclient.BusTopic, subscriptions []*dbclient.BusSubscription, headers map[string]string, priority int) ([]*dbclient.BusSubscription, error) {
	if len(subscriptions) == 0 {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("topic %s has no active subscriptions", topic.Name))
	}
	switch topic.RoutingStrategy {
	case RoutingDirect:
		return routeDirect(topic, subscriptions, headers)
	case RoutingLoadBalanced:
		return []*dbclient.BusSubscription{r.nextRoundRobin(topic.Name, subscriptions)}, nil
	case RoutingPriority:
		return []*dbclient.BusSubscription{r.routePriority(topic.Name, subscriptions, priority)}, nil
	case RoutingFanOut:
		return subscriptions, nil
	case RoutingContentBased:
		return routeContentBased(topic, subscriptions, headers)
	default:
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("topic %s has unknown routing strategy %q", topic.Name, topic.RoutingStrategy))
	}
}

func routeDirect(topic *dbclient.BusTopic, subscriptions []*dbclient.BusSubscription, headers map[string]string) ([]*dbclient.BusSubscription, error) {
	target := headers[HeaderTarget]
	if target == "" {
		return []*dbclient.BusSubscription{subscriptions[0]}, nil
	}
	for _, sub := range subscriptions {
		if sub.Name == target {
			return []*dbclient.BusSubscription{sub}, nil
		}
	}
	return nil, commonerrors.NewNotFoundWithMessage(fmt.Sprintf("subscription %s not found on topic %s", target, topic.Name))
}

// routePriority places a message by its priority band: the highest band goes
// to the first subscription, the lowest to the last, and the middle band
// round-robins across all of them.
func (r *router) routePriority(topic string, subscriptions []*dbclient.BusSubscription, priority int) *dbclient.BusSubscription {
	switch {
	case priority >= priorityHigh:
		return subscriptions[0]
	case priority <= priorityLow:
		return subscriptions[len(subscriptions)-1]
	default:
		return r.nextRoundRobin(topic, subscriptions)
	}
}

func (r *router) nextRoundRobin(topic string, subscriptions []*dbclient.BusSubscription) *dbclient.BusSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	cursor := r.cursors[topic]
	r.cursors[topic] = cursor + 1
	return subscriptions[cursor%len(subscriptions)]
}

// routeContentBased matches each subscription's filter against the message
// headers. A filter is a JSON object of header name to required value;
// subscriptions without a filter receive everything.
func routeContentBased(topic *dbclient.BusTopic, subscriptions []*dbclient.BusSubscription, headers map[string]string) ([]*dbclient.BusSubscription, error) {
	var matched []*dbclient.BusSubscription
	for _, sub := range subscriptions {
		if !sub.Filter.Valid || sub.Filter.String == "" {
			matched = append(matched, sub)
			continue
		}
		var filter map[string]string
		if err := json.Unmarshal([]byte(sub.Filter.String), &filter); err != nil {
			return nil, commonerrors.NewInternalError(fmt.Sprintf(
				"subscription %s on topic %s has a malformed filter: %v", sub.Name, topic.Name, err))
		}
		if filterMatches(filter, headers) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("no subscription on topic %s matches the message headers", topic.Name))
	}
	return matched, nil
}

func filterMatches(filter, headers map[string]string) bool {
	for key, expected := range filter {
		if headers[key] != expected {
			return false
		}
	}
	return true
}
