package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/darcyhq/stella/internal/config"
	"github.com/darcyhq/stella/internal/tools"
)

// Service bundles the mail account for tool use: one IMAP client for
// reading and the SMTP settings for sending.
type Service struct {
	cfg    config.EmailConfig
	imap   *Client
	logger *slog.Logger

	// sendFn is swapped in tests.
	sendFn func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error
}

// NewService creates the email service for the configured account.
func NewService(cfg config.EmailConfig, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		imap:   NewClient(cfg.IMAP, logger),
		logger: logger,
		sendFn: SendMail,
	}
}

// Close shuts down the IMAP connection.
func (s *Service) Close() error {
	return s.imap.Close()
}

// Send composes and delivers a markdown message.
func (s *Service) Send(ctx context.Context, to []string, subject, body string, inReplyTo string, references []string) error {
	msg, err := ComposeMessage(ComposeOptions{
		From:       s.cfg.Address,
		To:         to,
		Subject:    subject,
		Body:       body,
		InReplyTo:  inReplyTo,
		References: references,
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := s.sendFn(ctx, s.cfg.SMTP, s.cfg.Address, to, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	s.logger.Info("email sent", "to", to, "subject", subject)
	return nil
}

// RegisterTools adds email tools. Sending requires confirmation;
// reading does not.
func (s *Service) RegisterTools(registry *tools.Registry) {
	registry.Register(&tools.Tool{
		Name:        "send_email",
		Description: "Send an email. The body is markdown and will be delivered as both plain text and HTML.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient address, e.g. \"ada@example.com\".",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line.",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body in markdown.",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			to := tools.StringArg(args, "to")
			subject := tools.StringArg(args, "subject")
			body := tools.StringArg(args, "body")
			if to == "" || subject == "" || body == "" {
				return "", fmt.Errorf("send_email: to, subject and body are required")
			}
			if err := s.Send(ctx, []string{to}, subject, body, "", nil); err != nil {
				return "", err
			}
			return "email sent", nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "read_emails",
		Description: "List recent emails in the inbox, newest first. Returns uid, from, subject and date for each.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return. Defaults to 10.",
				},
				"unseen_only": map[string]any{
					"type":        "boolean",
					"description": "Only list messages that have not been read yet.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			limit := 10
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			unseen, _ := args["unseen_only"].(bool)

			envelopes, err := s.imap.ListMessages(ctx, limit, unseen)
			if err != nil {
				return "", fmt.Errorf("list emails: %w", err)
			}
			if len(envelopes) == 0 {
				return "The inbox is empty.", nil
			}
			b, err := json.Marshal(envelopes)
			if err != nil {
				return "", fmt.Errorf("marshal envelopes: %w", err)
			}
			return string(b), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "read_email",
		Description: "Read the full text of one email by uid.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "UID from read_emails.",
				},
			},
			"required": []string{"uid"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			uid, ok := args["uid"].(float64)
			if !ok || uid <= 0 {
				return "", fmt.Errorf("read_email: uid is required")
			}
			msg, err := s.imap.ReadMessage(ctx, uint32(uid))
			if err != nil {
				return "", fmt.Errorf("read email: %w", err)
			}
			b, err := json.Marshal(msg)
			if err != nil {
				return "", fmt.Errorf("marshal message: %w", err)
			}
			return string(b), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "reply_to_email",
		Description: "Reply to an email by uid. The reply is threaded under the original message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "UID of the message to reply to.",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Reply body in markdown.",
				},
			},
			"required": []string{"uid", "body"},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			uid, ok := args["uid"].(float64)
			body := tools.StringArg(args, "body")
			if !ok || uid <= 0 || body == "" {
				return "", fmt.Errorf("reply_to_email: uid and body are required")
			}

			orig, err := s.imap.ReadMessage(ctx, uint32(uid))
			if err != nil {
				return "", fmt.Errorf("read original: %w", err)
			}

			subject := orig.Subject
			if len(subject) < 3 || (subject[:3] != "Re:" && subject[:3] != "RE:") {
				subject = "Re: " + subject
			}
			references := append(append([]string{}, orig.References...), orig.MessageID)

			if err := s.Send(ctx, []string{orig.From}, subject, body, orig.MessageID, references); err != nil {
				return "", err
			}
			return "reply sent", nil
		},
	})
}
