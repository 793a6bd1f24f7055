package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
)

const (
	sendBackoffBase = 100 * time.Millisecond
	flushTimeout    = 2 * time.Second
)

// Messenger publishes workflow notifications for the delivery service.
type Messenger struct {
	conn    *nats.Conn
	subject string
	retries uint64
}

func NewMessenger(conn *nats.Conn, subject string, retries uint64) *Messenger {
	return &Messenger{conn: conn, subject: subject, retries: retries}
}

// Send implements workflow.Messenger. Publish and flush failures are retried
// with exponential backoff unless the connection is closed.
func (m *Messenger) Send(ctx context.Context, msg workflow.Message) error {
	env, err := NewMessage(TypeNotification, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	log := logger.FromContext(ctx)
	backoff := retry.WithMaxRetries(m.retries, retry.NewExponential(sendBackoffBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(_ context.Context) error {
		attempt++
		err := m.publish(data)
		if err == nil {
			return nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		log.Warn("Notification send failed", "attempt", attempt, "task_id", msg.TaskID, "error", err)
		return retry.RetryableError(err)
	})
}

func (m *Messenger) publish(data []byte) error {
	if err := m.conn.Publish(m.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", m.subject, err)
	}
	if err := m.conn.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flush %s: %w", m.subject, err)
	}
	return nil
}
