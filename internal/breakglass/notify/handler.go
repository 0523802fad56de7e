package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/platform/kafka/producer"
)

// DefaultTopic carries approver notifications to the messaging integration.
const DefaultTopic = "gatekeeper.notifications"

// Deliverer hands a notification to one channel.
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Handler processes TypeNotifyApprover tasks on the worker.
type Handler struct {
	deliverers []Deliverer
	logger     *slog.Logger
}

func NewHandler(logger *slog.Logger, deliverers ...Deliverer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deliverers: deliverers, logger: logger}
}

// ProcessTask implements asynq.Handler. A malformed payload is not retried;
// delivery failures are, until the task deadline.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var n models.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		h.logger.ErrorContext(ctx, "malformed break-glass notification", "error", err)
		return fmt.Errorf("decode notification: %w", asynq.SkipRetry)
	}
	if n.SessionID == "" || n.ApproverID == "" {
		return fmt.Errorf("notification missing session or approver: %w", asynq.SkipRetry)
	}

	var errs []error
	for _, d := range h.deliverers {
		if err := d.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.WarnContext(ctx, "break-glass notification delivery failed",
			"session_id", n.SessionID,
			"error", err,
		)
		return err
	}
	h.logger.InfoContext(ctx, "break-glass notification delivered",
		"session_id", n.SessionID,
		"approver_id", n.ApproverID,
	)
	return nil
}

// Producer is the part of the Kafka producer StreamDeliverer needs.
type Producer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// StreamDeliverer publishes notifications to Kafka keyed by approver.
type StreamDeliverer struct {
	producer Producer
	topic    string
}

func NewStreamDeliverer(p Producer, topic string) (*StreamDeliverer, error) {
	if p == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &StreamDeliverer{producer: p, topic: topic}, nil
}

func (d *StreamDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return d.producer.Produce(ctx, &producer.Message{
		Topic: d.topic,
		Key:   []byte(n.ApproverID),
		Value: value,
		Headers: map[string]string{
			"type":       TypeNotifyApprover,
			"session_id": n.SessionID,
		},
	})
}

// LogDeliverer writes the notification to the worker log without the token.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	d.logger.WarnContext(ctx, "break-glass approval requested",
		"session_id", n.SessionID,
		"requester_id", n.RequesterID,
		"approver_id", n.ApproverID,
		"reason", n.Reason,
		"expires_at", n.ExpiresAt,
	)
	return nil
}
