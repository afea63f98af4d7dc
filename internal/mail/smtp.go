package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
)

// SMTPTransport delivers through one relay, opening a session per message.
// STARTTLS is used whenever the relay offers it.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	log      *zap.Logger
	now      func() time.Time
}

func NewSMTPTransport(addr, username, password string, log *zap.Logger) (*SMTPTransport, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("smtp port %q: %w", portStr, err)
	}
	return &SMTPTransport{host: host, port: port, username: username, password: password, log: log, now: time.Now}, nil
}

func (t *SMTPTransport) client() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(t.port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if t.username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(t.username),
			gomail.WithPassword(t.password),
		)
	}
	return gomail.NewClient(t.host, opts...)
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	m, messageID, err := compose(msg, t.now())
	if err != nil {
		return Result{}, err
	}
	c, err := t.client()
	if err != nil {
		return Result{}, fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return Result{}, classify(err)
	}
	t.log.Debug("smtp accepted", zap.String("message_id", messageID), zap.String("relay", t.host))
	return Result{MessageID: messageID}, nil
}

// classify turns 4xx replies and network failures into TransientError.
// Everything else, 5xx replies included, is permanent.
func classify(err error) error {
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return &appErrors.TransientError{Op: "smtp.send", Err: err}
		}
		return fmt.Errorf("smtp.send: %w", err)
	}
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 400 && reply.Code < 500 {
		return &appErrors.TransientError{Op: "smtp.dial", StatusCode: reply.Code, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &appErrors.TransientError{Op: "smtp.dial", Err: err}
	}
	return fmt.Errorf("smtp: %w", err)
}
