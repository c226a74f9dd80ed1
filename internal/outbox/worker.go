// Package outbox drains the durable task queue that transactional operations
// enqueue: invoice generation, receipt generation, and notifications.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// Processor executes the side effects behind each task kind.
type Processor interface {
	EnsureInvoice(ctx context.Context, orderID string) (*domain.Invoice, error)
	CreateReceiptForPayment(ctx context.Context, orderID string, paymentID string) (*domain.Receipt, error)
	CreateNotification(ctx context.Context, notification domain.Notification) error
}

type Worker struct {
	repo        store.Repository
	processor   Processor
	interval    time.Duration
	batchSize   int
	maxAttempts int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(repo store.Repository, processor Processor, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		repo:        repo,
		processor:   processor,
		interval:    interval,
		batchSize:   20,
		maxAttempts: 5,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.drain(ctx)
			}
		}
	}()
}

func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Drain processes one batch immediately. Exposed for the worker loop and for
// synchronous use in tests.
func (w *Worker) Drain(ctx context.Context) {
	w.drain(ctx)
}

func (w *Worker) drain(ctx context.Context) {
	for {
		tasks, err := w.repo.ClaimDueTasks(ctx, w.batchSize)
		if err != nil {
			log.Printf("[outbox] claim failed: %v", err)
			return
		}
		if len(tasks) == 0 {
			return
		}

		for _, task := range tasks {
			if err := w.process(ctx, task); err != nil {
				w.retryOrFail(ctx, task, err)
				continue
			}
			if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
				log.Printf("[outbox] complete failed task=%s: %v", task.ID, err)
			}
		}

		if len(tasks) < w.batchSize {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, task domain.OutboxTask) error {
	switch task.Kind {
	case domain.TaskEnsureInvoice:
		var payload domain.DocumentTaskPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.processor.EnsureInvoice(ctx, payload.OrderID)
		return err

	case domain.TaskCreateReceipt:
		var payload domain.DocumentTaskPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.processor.CreateReceiptForPayment(ctx, payload.OrderID, payload.PaymentID)
		return err

	case domain.TaskNotify:
		var payload domain.NotifyTaskPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return w.processor.CreateNotification(ctx, domain.Notification{
			ID:        xid.New("ntf"),
			Type:      payload.Type,
			Message:   payload.Message,
			CreatedAt: time.Now().UTC(),
		})

	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (w *Worker) retryOrFail(ctx context.Context, task domain.OutboxTask, cause error) {
	// Attempts was already incremented when the task was claimed.
	if task.Attempts >= w.maxAttempts {
		log.Printf("[outbox] giving up task=%s kind=%s after %d attempts: %v", task.ID, task.Kind, task.Attempts, cause)
		if err := w.repo.FailTask(ctx, task.ID, cause.Error(), nil); err != nil {
			log.Printf("[outbox] fail failed task=%s: %v", task.ID, err)
		}
		return
	}

	retryAt := time.Now().UTC().Add(backoff(task.Attempts))
	log.Printf("[outbox] retrying task=%s kind=%s attempt=%d: %v", task.ID, task.Kind, task.Attempts, cause)
	if err := w.repo.FailTask(ctx, task.ID, cause.Error(), &retryAt); err != nil {
		log.Printf("[outbox] fail failed task=%s: %v", task.ID, err)
	}
}

func backoff(attempts int) time.Duration {
	d := time.Duration(attempts) * 5 * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}
