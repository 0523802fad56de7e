// Package notify delivers break-glass requests to their approver through an
// asynq queue. The server enqueues; cmd/worker delivers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/pkg/requestcontext"
)

const (
	// TypeNotifyApprover is the asynq task type for approver notifications.
	TypeNotifyApprover = "breakglass:notify_approver"
	// QueueCritical is the queue notifications are enqueued on.
	QueueCritical = "critical"

	maxRetry    = 5
	taskTimeout = 30 * time.Second
)

// Enqueuer is the part of asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewNotifyApproverTask builds the task for one notification. The task is
// retired once the session has expired.
func NewNotifyApproverTask(n models.Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(TypeNotifyApprover, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Deadline(n.ExpiresAt),
		asynq.TaskID("bg-notify-"+n.SessionID),
	), nil
}

// TaskNotifier schedules approver notifications on the queue.
type TaskNotifier struct {
	client Enqueuer
	logger *slog.Logger
}

func NewTaskNotifier(client Enqueuer, logger *slog.Logger) (*TaskNotifier, error) {
	if client == nil {
		return nil, errors.New("asynq client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskNotifier{client: client, logger: logger}, nil
}

func (n *TaskNotifier) NotifyApprover(ctx context.Context, msg models.Notification) error {
	task, err := NewNotifyApproverTask(msg)
	if err != nil {
		return err
	}
	info, err := n.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue approver notification: %w", err)
	}
	n.logger.InfoContext(ctx, "break-glass notification enqueued",
		"request_id", requestcontext.RequestID(ctx),
		"session_id", msg.SessionID,
		"task_id", info.ID,
		"queue", info.Queue,
	)
	return nil
}

// LogNotifier records the notification in the service log only. It is used
// when no queue is configured; the token is not logged.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyApprover(ctx context.Context, msg models.Notification) error {
	n.logger.WarnContext(ctx, "break-glass approval requested",
		"request_id", requestcontext.RequestID(ctx),
		"session_id", msg.SessionID,
		"requester_id", msg.RequesterID,
		"approver_id", msg.ApproverID,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}
