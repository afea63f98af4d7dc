// Package mail delivers rendered campaign emails and resolves their
// attachments.
package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Message struct {
	From        string
	To          string
	Subject     string
	Body        string
	CC          []string
	BCC         []string
	Attachments []Attachment
}

type Result struct {
	MessageID string
}

// Transport sends one message. Temporary delivery failures come back as
// appErrors.TransientError.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// New builds the transport named by cfg.Driver.
func New(cfg config.Mail, log *zap.Logger) (Transport, error) {
	switch cfg.Driver {
	case "smtp":
		return NewSMTPTransport(cfg.SMTPAddr, cfg.Username, cfg.Password, log)
	case "log", "":
		return NewLogTransport(log), nil
	}
	return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
}
