/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package notification

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
	"sigs.k8s.io/yaml"
)

const ChannelEmail = "email"

// Config declares the delivery channels. It is loaded from the notification
// section of the service configuration.
type Config struct {
	Email *EmailConfig `json:"email,omitempty"`
}

type EmailConfig struct {
	SMTPHost string `json:"smtpHost"`
	SMTPPort int    `json:"smtpPort"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	UseTLS   bool   `json:"useTLS"`
}

// Message is a channel-agnostic notification.
type Message struct {
	Channels []string
	Email    EmailMessage
}

type EmailMessage struct {
	To      []string
	Title   string
	Content string
}

// Channel delivers notifications through one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, message *Message) error
}

// ReadConfig parses the notification channel configuration.
func ReadConfig(content string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse notification config: %w", err)
	}
	return &cfg, nil
}

// InitChannels builds every configured channel.
func InitChannels(cfg *Config) map[string]Channel {
	channels := make(map[string]Channel)
	if cfg != nil && cfg.Email != nil {
		channels[ChannelEmail] = &emailChannel{cfg: cfg.Email}
	}
	return channels
}

type emailChannel struct {
	cfg *EmailConfig
}

// Name returns the name of the channel.
func (e *emailChannel) Name() string {
	return ChannelEmail
}

// Send sends a message through the email channel.
func (e *emailChannel) Send(_ context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("message is nil")
	}
	msg := message.Email
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients provided for email")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/html", msg.Content)

	d := gomail.NewDialer(e.cfg.SMTPHost, e.cfg.SMTPPort, e.cfg.Username, e.cfg.Password)
	d.SSL = e.cfg.UseTLS // true = 465 SSL, false = 587 STARTTLS

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
