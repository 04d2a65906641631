package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/internal/email/repository"
	"onebox-backend/internal/email/search"
	"onebox-backend/pkg/config"

	"github.com/hibiken/asynq"
)

// reconcileIDCap bounds how many ids are diffed per account per job.
const reconcileIDCap = 10000

// Worker drains the sync queues. Failures escape to asynq, which converts
// them into retries with exponential backoff.
type Worker struct {
	server    *asynq.Server
	queue     *Queue
	emailRepo repository.EmailRepository
	store     *search.Store
}

func NewWorker(queue *Queue, emailRepo repository.EmailRepository, store *search.Store, cfg *config.Config) *Worker {
	if !queue.Available() {
		return &Worker{queue: queue, emailRepo: emailRepo, store: store}
	}

	retryDelay := cfg.QueueRetryDelay
	server := asynq.NewServer(queue.RedisOpt(), asynq.Config{
		Concurrency: cfg.QueueConcurrency + 1,
		Queues: map[string]int{
			QueueEmailSync:      5,
			QueueReconciliation: 2,
			QueueBulkSync:       1,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := retryDelay
			for i := 0; i < n; i++ {
				delay *= 2
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("[SyncWorker] Task %s failed: %v", task.Type(), err)
		}),
	})

	return &Worker{server: server, queue: queue, emailRepo: emailRepo, store: store}
}

// Start registers handlers and runs the server in the background.
func (w *Worker) Start() error {
	if w.server == nil {
		log.Printf("[SyncWorker] Queue unavailable, worker not started")
		return nil
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSyncOne, w.handleSyncOne)
	mux.HandleFunc(TypeSyncBulk, w.handleSyncBulk)
	mux.HandleFunc(TypeReconcile, w.handleReconcile)
	mux.HandleFunc(TypeReindexAll, w.handleReindexAll)

	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start sync worker: %w", err)
	}
	log.Printf("[SyncWorker] Started")
	return nil
}

func (w *Worker) Shutdown() {
	if w.server != nil {
		w.server.Shutdown()
	}
}

// handleSyncOne loads one message from the row store and force-indexes it.
func (w *Worker) handleSyncOne(ctx context.Context, task *asynq.Task) error {
	var payload SyncOnePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sync_one payload: %v: %w", err, asynq.SkipRetry)
	}

	msg, err := w.emailRepo.GetByID(payload.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		// The row vanished; retrying cannot help.
		log.Printf("[SyncWorker] Message %s not found, dropping sync_one", payload.MessageID)
		return nil
	}

	_, err = w.store.BulkIndex(ctx, []*emaildomain.Email{msg}, true)
	return err
}

// handleSyncBulk chunks the id list, loading and indexing each chunk,
// reporting progress between chunks.
func (w *Worker) handleSyncBulk(ctx context.Context, task *asynq.Task) error {
	var payload SyncBulkPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sync_bulk payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = DefaultBulkBatchSize
	}

	total := len(payload.MessageIDs)
	processed := 0
	for start := 0; start < total; start += payload.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + payload.BatchSize
		if end > total {
			end = total
		}

		msgs, err := w.emailRepo.GetByIDs(payload.MessageIDs[start:end])
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			if _, err := w.store.BulkIndex(ctx, msgs, true); err != nil {
				return err
			}
		}

		processed = end
		log.Printf("[SyncWorker] sync_bulk progress %d/%d", processed, total)
	}
	return nil
}

// handleReconcile repairs one account: ids present in the row store but
// missing from the index are re-enqueued as one bulk job.
func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid reconcile payload: %v: %w", err, asynq.SkipRetry)
	}

	missing, err := w.MissingIDs(ctx, payload.AccountID)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	log.Printf("[SyncWorker] Reconcile account %s: %d missing documents", payload.AccountID, len(missing))
	return w.queue.EnqueueSyncBulk(missing, DefaultBulkBatchSize, PriorityLow)
}

// handleReindexAll rebuilds the account's documents from the row store.
func (w *Worker) handleReindexAll(ctx context.Context, task *asynq.Task) error {
	var payload ReindexAllPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid reindex_all payload: %v: %w", err, asynq.SkipRetry)
	}

	if payload.DeleteExisting {
		if err := w.store.DeleteByAccount(ctx, payload.AccountID); err != nil {
			return err
		}
	}

	ids, err := w.emailRepo.ListIDsByAccount(payload.AccountID, 0)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return w.queue.EnqueueSyncBulk(ids, DefaultBulkBatchSize, PriorityLow)
}

// MissingIDs computes the set of row-store ids absent from the search store
// for one account, capped at 10 000 ids per side.
func (w *Worker) MissingIDs(ctx context.Context, accountID string) ([]string, error) {
	rowCount, err := w.emailRepo.CountByAccount(accountID)
	if err != nil {
		return nil, err
	}
	searchCount, err := w.store.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rowCount <= searchCount {
		return nil, nil
	}

	rowIDs, err := w.emailRepo.ListIDsByAccount(accountID, reconcileIDCap)
	if err != nil {
		return nil, err
	}
	searchIDs, err := w.store.ListIDsByAccount(ctx, accountID, reconcileIDCap)
	if err != nil {
		return nil, err
	}

	return Difference(rowIDs, searchIDs), nil
}

// Difference returns the elements of a not present in b, preserving a's
// order.
func Difference(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, id := range b {
		inB[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := inB[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
