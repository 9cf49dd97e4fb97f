/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package notification

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
)

var (
	singleton *Manager
)

// GetManager returns the singleton notification manager instance.
func GetManager() *Manager {
	return singleton
}

// InitManager initializes the notification manager from the configuration
// content. An empty configuration yields a manager with no channels, which
// silently drops every notification.
func InitManager(configContent string) error {
	channels := map[string]Channel{}
	if configContent != "" {
		cfg, err := ReadConfig(configContent)
		if err != nil {
			return err
		}
		channels = InitChannels(cfg)
	}
	singleton = &Manager{channels: channels}
	klog.Infof("notification manager initialized with %d channels", len(channels))
	return nil
}

type Manager struct {
	channels map[string]Channel
}

// ApprovalRequested mails the approvers that a deployment waits on them.
func (m *Manager) ApprovalRequested(ctx context.Context, req *dbclient.ApprovalRequest) {
	if m == nil {
		return
	}
	title := fmt.Sprintf("[rollout] approval needed: %s@%s to %s", req.ModuleName, req.Version, req.Environment)
	content := fmt.Sprintf(
		"<p>%s requested deployment of <b>%s@%s</b> to <b>%s</b>.</p>"+
			"<p>Approval ID: %s</p><p>The request expires at %s.</p>",
		req.Requester, req.ModuleName, req.Version, req.Environment,
		req.ApprovalId, dbutils.ParseNullTimeToString(req.TimeoutAt))
	m.send(ctx, &Message{
		Channels: []string{ChannelEmail},
		Email:    EmailMessage{To: req.ApproverEmails, Title: title, Content: content},
	})
}

// ApprovalDecided mails the requester about the decision.
func (m *Manager) ApprovalDecided(ctx context.Context, req *dbclient.ApprovalRequest) {
	if m == nil {
		return
	}
	title := fmt.Sprintf("[rollout] approval %s: %s@%s to %s",
		req.Status, req.ModuleName, req.Version, req.Environment)
	content := fmt.Sprintf(
		"<p>The approval request for <b>%s@%s</b> to <b>%s</b> is now <b>%s</b>.</p><p>%s</p>",
		req.ModuleName, req.Version, req.Environment, req.Status,
		dbutils.ParseNullString(req.ResponseReason))
	m.send(ctx, &Message{
		Channels: []string{ChannelEmail},
		Email:    EmailMessage{To: []string{req.Requester}, Title: title, Content: content},
	})
}

// DeploymentTerminal mails the requester the final outcome of an execution.
func (m *Manager) DeploymentTerminal(ctx context.Context, execution *dbclient.DeploymentExecution) {
	if m == nil {
		return
	}
	title := fmt.Sprintf("[rollout] %s: %s@%s to %s",
		execution.Status, execution.ModuleName, execution.Version, execution.Environment)
	content := fmt.Sprintf(
		"<p>Deployment <b>%s</b> of <b>%s@%s</b> to <b>%s</b> finished with status <b>%s</b>.</p><p>%s</p>",
		execution.ExecutionId, execution.ModuleName, execution.Version,
		execution.Environment, execution.Status, dbutils.ParseNullString(execution.Message))
	m.send(ctx, &Message{
		Channels: []string{ChannelEmail},
		Email:    EmailMessage{To: []string{execution.Requester}, Title: title, Content: content},
	})
}

// send fans a message out to its channels in the background. Delivery
// failures are logged, never propagated; notifications are best effort.
func (m *Manager) send(ctx context.Context, message *Message) {
	for _, name := range message.Channels {
		ch, exists := m.channels[name]
		if !exists {
			continue
		}
		go func(ch Channel) {
			if err := ch.Send(ctx, message); err != nil {
				klog.Errorf("failed to send notification via %s: %v", ch.Name(), err)
			}
		}(ch)
	}
}
