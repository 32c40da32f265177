package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskLeaveNow is the asynq task type for leave timers.
const TaskLeaveNow = "booking:leave_now"

type leavePayload struct {
	BookingID string `json:"booking_id"`
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskDeleter interface {
	DeleteTask(queue, id string) error
}

// AsynqArmer stores leave timers as scheduled asynq tasks in Redis so they
// survive restarts. The task id is derived from the booking, which keeps one
// pending task per booking.
type AsynqArmer struct {
	client    enqueuer
	inspector taskDeleter
	queue     string
}

func NewAsynqArmer(client *asynq.Client, inspector *asynq.Inspector, queue string) *AsynqArmer {
	if queue == "" {
		queue = "default"
	}
	return &AsynqArmer{client: client, inspector: inspector, queue: queue}
}

func taskID(bookingID string) string { return "leave:" + bookingID }

func (a *AsynqArmer) Arm(ctx context.Context, bookingID string, at time.Time) error {
	if err := a.Cancel(ctx, bookingID); err != nil {
		return err
	}
	payload, err := json.Marshal(leavePayload{BookingID: bookingID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskLeaveNow, payload)
	_, err = a.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID(bookingID)),
		asynq.Queue(a.queue),
		asynq.ProcessAt(at),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue leave task: %w", err)
	}
	return nil
}

func (a *AsynqArmer) Cancel(_ context.Context, bookingID string) error {
	err := a.inspector.DeleteTask(a.queue, taskID(bookingID))
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("delete leave task: %w", err)
}

// Register binds the leave task handler to mux.
func (s *Scheduler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskLeaveNow, s.handleLeaveTask)
}

func (s *Scheduler) handleLeaveTask(ctx context.Context, t *asynq.Task) error {
	var p leavePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode leave task: %v: %w", err, asynq.SkipRetry)
	}
	return s.Fire(ctx, p.BookingID)
}
