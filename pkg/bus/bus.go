/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/trace"
)

// Topic types. Queue topics deliver each message to one consumer of the
// target subscription; pubsub topics deliver to every target subscription.
const (
	TopicQueue  = "queue"
	TopicPubSub = "pubsub"
)

// Envelope is the consumer view of a delivered message.
type Envelope struct {
	MessageId     string
	Topic         string
	Subscription  string
	Payload       []byte
	Headers       map[string]string
	SchemaVersion int
	Attempt       int
}

// MessageHandler processes one delivery. A nil return acknowledges the
// message; an error records a failed attempt and eventually dead-letters it.
type MessageHandler func(ctx context.Context, envelope *Envelope) error

// Bus is a durable topic-based message bus on top of the relational store.
// Publishing resolves routing up front and persists one delivery row per
// target subscription, so consumers only ever compete on claims.
type Bus struct {
	store    dbclient.BusInterface
	registry *Registry
	router   *router
	instance string
}

func NewBus(store dbclient.BusInterface, instance string) *Bus {
	return &Bus{
		store:    store,
		registry: NewRegistry(store),
		router:   newRouter(),
		instance: instance,
	}
}

// Registry exposes schema management of this bus.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// CreateTopic registers a topic with its delivery type and routing strategy.
func (b *Bus) CreateTopic(ctx context.Context, name, topicType, routingStrategy string) error {
	switch topicType {
	case TopicQueue, TopicPubSub:
	default:
		return commonerrors.NewBadRequest(fmt.Sprintf("unknown topic type %q", topicType))
	}
	switch routingStrategy {
	case RoutingDirect, RoutingLoadBalanced, RoutingFanOut, RoutingPriority, RoutingContentBased:
	default:
		return commonerrors.NewBadRequest(fmt.Sprintf("unknown routing strategy %q", routingStrategy))
	}
	_, err := b.store.CreateBusTopic(ctx, &dbclient.BusTopic{
		Name:            name,
		Type:            topicType,
		RoutingStrategy: routingStrategy,
	})
	if commonerrors.IsConflict(err) {
		return nil
	}
	return err
}

// Subscribe registers a subscription. The filter only applies on topics with
// content-based routing.
func (b *Bus) Subscribe(ctx context.Context, topic, name string, filter map[string]string) error {
	if _, err := b.store.GetBusTopic(ctx, topic); err != nil {
		return err
	}
	sub := &dbclient.BusSubscription{
		Topic:  topic,
		Name:   name,
		Active: true,
	}
	if len(filter) > 0 {
		data, err := json.Marshal(filter)
		if err != nil {
			return err
		}
		sub.Filter = dbutils.NullString(string(data))
	}
	_, err := b.store.CreateBusSubscription(ctx, sub)
	return err
}

// Publish validates the payload against the topic's latest schema, resolves
// routing and persists the deliveries atomically. The active trace context
// travels in the message headers as a W3C traceparent.
func (b *Bus) Publish(ctx context.Context, topicName string, payload []byte, headers map[string]string, priority int) (string, error) {
	topic, err := b.store.GetBusTopic(ctx, topicName)
	if err != nil {
		return "", err
	}

	schema, schemaVersion, err := b.registry.Latest(ctx, topicName)
	if err != nil {
		return "", err
	}
	if schema != nil {
		if err = ValidatePayload(schema, payload); err != nil {
			return "", err
		}
	}

	if headers == nil {
		headers = map[string]string{}
	}
	trace.InjectHeaders(ctx, headers)

	subscriptions, err := b.store.ListBusSubscriptions(ctx, topicName)
	if err != nil {
		return "", err
	}
	targets, err := b.router.route(topic, subscriptions, headers, priority)
	if err != nil {
		return "", err
	}

	headerData, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	messageId := uuid.NewString()
	deliveries := make([]*dbclient.Message, 0, len(targets))
	for _, target := range targets {
		deliveries = append(deliveries, &dbclient.Message{
			MessageId:     messageId,
			Topic:         topicName,
			Subscription:  target.Name,
			Payload:       payload,
			Headers:       dbutils.NullString(string(headerData)),
			Priority:      priority,
			SchemaVersion: schemaVersion,
		})
	}
	if err = b.store.CreateMessages(ctx, deliveries); err != nil {
		return "", err
	}
	klog.V(4).Infof("published message %s to topic %s, %d deliveries", messageId, topicName, len(deliveries))
	return messageId, nil
}

// RunConsumer drains one subscription until ctx is cancelled. Deliveries
// whose attempt budget is spent are parked on the dead-letter queue.
func (b *Bus) RunConsumer(ctx context.Context, topic, subscription string, handler MessageHandler) {
	pollInterval := commonconfig.GetBusPollInterval()
	lease := time.Duration(commonconfig.GetBusLeaseSecond()) * time.Second
	maxAttempts := commonconfig.GetBusMaxDeliveryAttempts()

	klog.Infof("bus consumer started on %s/%s", topic, subscription)
	for {
		processed := b.consumeOne(ctx, topic, subscription, handler, lease, maxAttempts)
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			klog.Infof("bus consumer on %s/%s stopped", topic, subscription)
			return
		case <-time.After(pollInterval):
		}
	}
}

func (b *Bus) consumeOne(ctx context.Context, topic, subscription string, handler MessageHandler, lease time.Duration, maxAttempts int) bool {
	if ctx.Err() != nil {
		return false
	}
	message, err := b.store.ClaimMessage(ctx, topic, subscription, b.instance, lease)
	if err != nil {
		klog.ErrorS(err, "failed to claim message", "topic", topic, "subscription", subscription)
		return false
	}
	if message == nil {
		return false
	}

	envelope := &Envelope{
		MessageId:     message.MessageId,
		Topic:         message.Topic,
		Subscription:  message.Subscription,
		Payload:       message.Payload,
		Headers:       map[string]string{},
		SchemaVersion: message.SchemaVersion,
		Attempt:       message.DeliveryAttempts,
	}
	if message.Headers.Valid && message.Headers.String != "" {
		if err = json.Unmarshal([]byte(message.Headers.String), &envelope.Headers); err != nil {
			klog.ErrorS(err, "malformed message headers", "message", message.MessageId)
			envelope.Headers = map[string]string{}
		}
	}

	// Resume the publisher's trace so the delivery shows up as a child span.
	msgCtx := trace.ExtractHeaders(ctx, envelope.Headers)
	msgCtx, span := trace.StartSpan(msgCtx, "bus.consume")
	err = handler(msgCtx, envelope)
	if err != nil {
		trace.RecordError(msgCtx, err)
	}
	span.End()

	if err == nil {
		if ackErr := b.store.AcknowledgeMessage(ctx, message.Id); ackErr != nil {
			klog.ErrorS(ackErr, "failed to acknowledge message", "message", message.MessageId)
		}
		return true
	}

	deadLetter := message.DeliveryAttempts >= maxAttempts
	if deadLetter {
		klog.ErrorS(err, "message exhausted its delivery budget, dead-lettering",
			"message", message.MessageId, "attempts", message.DeliveryAttempts)
	} else {
		klog.Warningf("delivery %d/%d of message %s failed: %v",
			message.DeliveryAttempts, maxAttempts, message.MessageId, err)
	}
	if failErr := b.store.FailMessage(ctx, message.Id, message.DeliveryAttempts, err.Error(), deadLetter); failErr != nil {
		klog.ErrorS(failErr, "failed to record message failure", "message", message.MessageId)
	}
	return true
}

// RunStaleSweeper returns deliveries whose claim lease expired to the
// pending pool, so messages claimed by a crashed consumer are picked up
// again instead of leaking. Runs until ctx is cancelled.
func (b *Bus) RunStaleSweeper(ctx context.Context) {
	lease := time.Duration(commonconfig.GetBusLeaseSecond()) * time.Second
	klog.Infof("bus stale-delivery sweeper started, interval %s", lease)
	ticker := time.NewTicker(lease)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			klog.Infof("bus stale-delivery sweeper stopped")
			return
		case <-ticker.C:
		}
		released, err := b.store.ReleaseStaleMessages(ctx)
		if err != nil {
			klog.ErrorS(err, "failed to release stale deliveries")
			continue
		}
		if released > 0 {
			klog.Warningf("released %d stale deliveries back to pending", released)
		}
	}
}

// DeadLetters lists parked messages for operator inspection.
func (b *Bus) DeadLetters(ctx context.Context, topic string, limit, offset int) ([]*dbclient.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.store.ListDeadLetters(ctx, topic, limit, offset)
}
