package mail

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogTransport writes messages to the log instead of delivering them and
// keeps a copy of each. Fail, when set, decides the error for a message.
type LogTransport struct {
	log  *zap.Logger
	mu   sync.Mutex
	sent []Message

	Fail func(Message) error
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(_ context.Context, msg Message) (Result, error) {
	if t.Fail != nil {
		if err := t.Fail(msg); err != nil {
			return Result{}, err
		}
	}
	_, messageID, err := compose(msg, time.Now())
	if err != nil {
		return Result{}, err
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	t.log.Info("mail sent",
		zap.String("message_id", messageID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return Result{MessageID: messageID}, nil
}

func (t *LogTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}
