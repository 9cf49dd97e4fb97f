/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

var (
	insertMessageFormat      = `INSERT INTO ` + TMessage + ` (%s) VALUES (%s)`
	insertTopicFormat        = `INSERT INTO ` + TBusTopic + ` (%s) VALUES (%s)`
	insertSubscriptionFormat = `INSERT INTO ` + TBusSubscription + ` (%s) VALUES (%s)`
	insertSchemaFormat       = `INSERT INTO ` + TBusSchema + ` (%s) VALUES (%s)`
)

const (
	TMessage         = "messages"
	TBusTopic        = "bus_topics"
	TBusSubscription = "bus_subscriptions"
	TBusSchema       = "bus_schemas"

	// MessageNotifyChannel is pinged when new messages are persisted.
	MessageNotifyChannel = "rollout_messages"
)

type BusInterface interface {
	CreateBusTopic(ctx context.Context, topic *BusTopic) (int64, error)
	GetBusTopic(ctx context.Context, name string) (*BusTopic, error)
	ListBusTopics(ctx context.Context) ([]*BusTopic, error)

	CreateBusSubscription(ctx context.Context, sub *BusSubscription) (int64, error)
	ListBusSubscriptions(ctx context.Context, topic string) ([]*BusSubscription, error)

	CreateBusSchema(ctx context.Context, schema *BusSchema) (int64, error)
	GetLatestBusSchema(ctx context.Context, topic string) (*BusSchema, error)
	ListBusSchemas(ctx context.Context, topic string) ([]*BusSchema, error)

	CreateMessages(ctx context.Context, messages []*Message) error
	ClaimMessage(ctx context.Context, topic, subscription, instance string, leaseDuration time.Duration) (*Message, error)
	AcknowledgeMessage(ctx context.Context, id int64) error
	FailMessage(ctx context.Context, id int64, deliveryAttempts int, errorMessage string, deadLetter bool) error
	ReleaseStaleMessages(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]*Message, error)
}

// CreateBusTopic registers a topic.
func (c *Client) CreateBusTopic(ctx context.Context, topic *BusTopic) (int64, error) {
	if topic == nil {
		return 0, commonerrors.NewBadRequest("topic is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	topic.CreatedAt = dbutils.NullTime(time.Now().UTC())
	cmd := generateCommand(*topic, insertTopicFormat, "id")
	cmd += " ON CONFLICT (name) DO NOTHING RETURNING id"
	rows, err := db.NamedQueryContext(ctx, cmd, topic)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var id int64
	if !rows.Next() {
		return 0, commonerrors.NewAlreadyExist(fmt.Sprintf("topic %s already exists", topic.Name))
	}
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetBusTopic gets a topic by name.
func (c *Client) GetBusTopic(ctx context.Context, name string) (*BusTopic, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TBusTopic).Where(sqrl.Eq{"name": name}).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*BusTopic
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("Topic", name)
	}
	return list[0], nil
}

// ListBusTopics lists all registered topics.
func (c *Client) ListBusTopics(ctx context.Context) ([]*BusTopic, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TBusTopic).OrderBy("name " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*BusTopic
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateBusSubscription registers a subscription on a topic.
func (c *Client) CreateBusSubscription(ctx context.Context, sub *BusSubscription) (int64, error) {
	if sub == nil {
		return 0, commonerrors.NewBadRequest("subscription is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	sub.CreatedAt = dbutils.NullTime(time.Now().UTC())
	cmd := generateCommand(*sub, insertSubscriptionFormat, "id")
	cmd += " ON CONFLICT (topic, name) DO UPDATE SET active=EXCLUDED.active, filter=EXCLUDED.filter RETURNING id"
	rows, err := db.NamedQueryContext(ctx, cmd, sub)
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

// ListBusSubscriptions lists the active subscriptions of a topic.
func (c *Client) ListBusSubscriptions(ctx context.Context, topic string) ([]*BusSubscription, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TBusSubscription).
		Where(sqrl.Eq{"topic": topic, "active": true}).
		OrderBy("name " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*BusSubscription
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateBusSchema registers a new schema version for a topic. The version
// must be assigned by the registry after the compatibility check passed.
func (c *Client) CreateBusSchema(ctx context.Context, schema *BusSchema) (int64, error) {
	if schema == nil {
		return 0, commonerrors.NewBadRequest("schema is nil")
	}
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	schema.CreatedAt = dbutils.NullTime(time.Now().UTC())
	cmd := generateCommand(*schema, insertSchemaFormat, "id")
	cmd += " RETURNING id"
	rows, err := db.NamedQueryContext(ctx, cmd, schema)
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

// GetLatestBusSchema gets the newest schema version of a topic.
func (c *Client) GetLatestBusSchema(ctx context.Context, topic string) (*BusSchema, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TBusSchema).
		Where(sqrl.Eq{"topic": topic}).
		OrderBy("version " + DESC).
		Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*BusSchema
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, commonerrors.NewNotFound("Schema", topic)
	}
	return list[0], nil
}

// ListBusSchemas lists all schema versions of a topic, oldest first.
func (c *Client) ListBusSchemas(ctx context.Context, topic string) ([]*BusSchema, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TBusSchema).
		Where(sqrl.Eq{"topic": topic}).
		OrderBy("version " + ASC).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*BusSchema
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateMessages persists one delivery row per target subscription in a
// single transaction, then notifies listening consumers. Routing decides the
// target subscriptions before this call.
func (c *Client) CreateMessages(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	now := dbutils.NullTime(time.Now().UTC())
	for _, message := range messages {
		if message.Status == "" {
			message.Status = MessagePending
		}
		message.CreatedAt = now
		cmd := generateCommand(*message, insertMessageFormat, "id")
		if _, err = tx.NamedExecContext(ctx, cmd, message); err != nil {
			klog.ErrorS(err, "failed to insert message",
				"topic", message.Topic, "message", message.MessageId)
			_ = tx.Rollback()
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("NOTIFY %s", MessageNotifyChannel)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClaimMessage atomically claims the next deliverable message of a
// subscription. Higher priority first, then oldest first. SKIP LOCKED keeps
// competing consumers of the same subscription from blocking each other.
func (c *Client) ClaimMessage(ctx context.Context, topic, subscription, instance string, leaseDuration time.Duration) (*Message, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cmd := fmt.Sprintf(`UPDATE %s SET
			status=$1,
			processing_instance=$2,
			locked_until=$3,
			delivery_attempts=delivery_attempts+1
		WHERE id = (
			SELECT id FROM %s
			WHERE topic=$4 AND subscription=$5 AND status=$6
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`, TMessage, TMessage)

	var message Message
	err = db.GetContext(ctx, &message, cmd,
		MessageProcessing, instance, now.Add(leaseDuration), topic, subscription, MessagePending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// AcknowledgeMessage marks a delivery as processed.
func (c *Client) AcknowledgeMessage(ctx context.Context, id int64) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	query, args, err := sqrl.Update(TMessage).PlaceholderFormat(sqrl.Dollar).
		Set("status", MessageAcknowledged).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Set("acknowledged_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}

// FailMessage records a failed delivery attempt. When deadLetter is true the
// message is parked for operator inspection instead of being retried.
func (c *Client) FailMessage(ctx context.Context, id int64, deliveryAttempts int, errorMessage string, deadLetter bool) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	status := MessagePending
	if deadLetter {
		status = MessageDeadLetter
	}
	query, args, err := sqrl.Update(TMessage).PlaceholderFormat(sqrl.Dollar).
		Set("status", status).
		Set("delivery_attempts", deliveryAttempts).
		Set("error_message", dbutils.NullString(errorMessage)).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}

// ReleaseStaleMessages returns deliveries whose lease expired back to pending.
func (c *Client) ReleaseStaleMessages(ctx context.Context) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	query, args, err := sqrl.Update(TMessage).PlaceholderFormat(sqrl.Dollar).
		Set("status", MessagePending).
		Set("locked_until", nil).
		Set("processing_instance", nil).
		Where(sqrl.Eq{"status": MessageProcessing}).
		Where(sqrl.Lt{"locked_until": time.Now().UTC()}).ToSql()
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		klog.Warningf("released %d stale message deliveries back to pending", affected)
	}
	return int(affected), nil
}

// ListDeadLetters lists dead-lettered messages for operator inspection.
func (c *Client) ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]*Message, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	where := sqrl.And{sqrl.Eq{"status": MessageDeadLetter}}
	if topic != "" {
		where = append(where, sqrl.Eq{"topic": topic})
	}
	query, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TMessage).
		Where(where).
		OrderBy("id " + DESC).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var list []*Message
	if err = db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	return list, nil
}
