// Moderator alerts and author emails for guestbook comments.
//
// Alerts go to a Slack incoming webhook and/or a list of admin email
// addresses; author notifications are always email. Message bodies are
// rendered from pongo2 templates.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guestbook-social/guestbook/moderation"
)

const (
	DefaultSender      = "bot@guestbook.example.com"
	AuthorEmailSubject = "Your comment already published"
)

type GatewayConfig struct {
	Logger      *slog.Logger
	Mailer      Mailer
	Slack       *SlackNotifier
	AdminEmails []string
	Sender      string
}

// Gateway implements moderation.Notifier on top of a Mailer and an optional Slack webhook.
type Gateway struct {
	mailer      Mailer
	slack       *SlackNotifier
	adminEmails []string
	sender      string
	logger      *slog.Logger
}

var _ moderation.Notifier = (*Gateway)(nil)

func NewGateway(config GatewayConfig) *Gateway {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sender == "" {
		config.Sender = DefaultSender
	}
	logger := config.Logger.With("component", "notify")
	if config.Mailer == nil {
		config.Mailer = &LogMailer{Logger: logger}
	}
	return &Gateway{
		mailer:      config.Mailer,
		slack:       config.Slack,
		adminEmails: config.AdminEmails,
		sender:      config.Sender,
		logger:      logger,
	}
}

func (g *Gateway) NotifyModerators(ctx context.Context, c *moderation.Comment, reviewURL string) error {
	logger := g.logger.With("comment", c.ID)
	if g.slack == nil && len(g.adminEmails) == 0 {
		logger.Warn("no moderator channel configured, dropping review alert")
		return nil
	}

	body, err := renderAlert(c, reviewURL)
	if err != nil {
		return fmt.Errorf("rendering moderator alert: %w", err)
	}

	var errs []error
	if g.slack != nil {
		err := g.slack.Send(ctx, body)
		countSend("slack", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("slack alert: %w", err))
		}
	}
	if len(g.adminEmails) > 0 {
		err := g.mailer.Send(ctx, Email{
			From:    g.sender,
			To:      g.adminEmails,
			Subject: fmt.Sprintf("New comment on %s needs review", c.ItemSlug),
			Body:    body,
		})
		countSend("email", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("email alert: %w", err))
		}
	}
	logger.Debug("sent moderator alert", "errors", len(errs))
	return errors.Join(errs...)
}

func (g *Gateway) EmailAuthor(ctx context.Context, c *moderation.Comment) error {
	if c.Email == "" {
		return fmt.Errorf("comment %d has no author email", c.ID)
	}
	body, err := renderAuthorEmail(c)
	if err != nil {
		return fmt.Errorf("rendering author email: %w", err)
	}
	err = g.mailer.Send(ctx, Email{
		From:    g.sender,
		To:      []string{c.Email},
		Subject: AuthorEmailSubject,
		Body:    body,
	})
	countSend("email", err)
	return err
}

func countSend(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsSent.WithLabelValues(channel, result).Inc()
}
