package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Settler verifies an order-gateway payment by its order id.
type Settler interface {
	VerifyOrder(ctx context.Context, orderID string) (bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  messageReader
	settler Settler
	// newBackOff paces retries of one message and of failed fetches.
	newBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, settler Settler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		settler:    settler,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

// Consume runs until ctx is cancelled. Offsets are committed in order, so a
// message is only committed once it has been processed or dropped as
// terminal; a retryable failure is retried in place and blocks the
// partition until it clears.
func (c *Consumer) Consume(ctx context.Context) {
	fetchBackOff := c.newBackOff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := fetchBackOff.NextBackOff()
			slog.Error("failed to read Kafka message", "retry_in", wait, "error", err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		fetchBackOff.Reset()

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key), "offset", msg.Offset)

		if err := c.process(ctx, msg); err != nil {
			slog.Warn("consumer stopped before message was processed", "offset", msg.Offset, "error", err)
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

// process returns an error only when ctx ends before msg is settled one way
// or the other. Terminal failures are logged and reported as done.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.handleMessage(ctx, msg)
			if err == nil || pkgerrors.IsRetryable(err) {
				if err != nil {
					slog.Warn("payment notification failed, retrying", "offset", msg.Offset, "error", err)
				}
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxElapsedTime(0))

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case pkgerrors.IsRetryable(err):
			// Retry budget ran out; keep holding the offset.
			continue
		default:
			slog.Error("payment notification dropped", "offset", msg.Offset, "error", err)
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	var n PaymentNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		slog.Error("failed to unmarshal payment notification", "error", err)
		return err
	}

	kind, ok := models.ParseGatewayKind(n.Gateway)
	if !ok {
		slog.Error("unknown gateway in payment notification", "gateway", n.Gateway)
		return stderrors.New("unknown gateway " + n.Gateway)
	}
	// Session payments settle only through the client's redirect.
	if kind != models.GatewayOrder {
		slog.Debug("ignoring session gateway notification", "gateway", n.Gateway)
		return nil
	}

	credited, err := c.settler.VerifyOrder(ctx, n.OrderID)
	if err != nil {
		return err
	}
	slog.Info("payment notification processed", "order_id", n.OrderID, "credited", credited)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
