package usecase

import (
	"context"
	"log"
	"time"

	accountrepo "onebox-backend/internal/account/repository"
	syncqueue "onebox-backend/internal/sync"
)

// ReconcileSummary reports one tick's findings.
type ReconcileSummary struct {
	Missing int `json:"missing"`
	Queued  int `json:"queued"`
}

// Reconciler periodically diffs the authoritative store against the search
// index and re-enqueues missing documents. It never deletes from the row
// store: the search store is a projection.
type Reconciler struct {
	accountRepo accountrepo.AccountRepository
	worker      *syncqueue.Worker
	queue       *syncqueue.Queue
	interval    time.Duration

	stopChan chan struct{}
}

func NewReconciler(accountRepo accountrepo.AccountRepository, worker *syncqueue.Worker, queue *syncqueue.Queue, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		accountRepo: accountRepo,
		worker:      worker,
		queue:       queue,
		interval:    interval,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the tick loop.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("[Reconciler] Starting (interval %s)", r.interval)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				summary, err := r.RunOnce(ctx)
				if err != nil {
					log.Printf("[Reconciler] Tick failed: %v", err)
					continue
				}
				log.Printf("[Reconciler] Tick complete: missing=%d queued=%d", summary.Missing, summary.Queued)
			case <-ctx.Done():
				log.Printf("[Reconciler] Stopped")
				return
			case <-r.stopChan:
				log.Printf("[Reconciler] Stopped")
				return
			}
		}
	}()
}

// Stop ends the loop; an in-flight tick finishes, the next is skipped.
func (r *Reconciler) Stop() {
	close(r.stopChan)
}

// RunOnce diffs every account and enqueues one LOW bulk job per diverged
// account.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileSummary, error) {
	accounts, err := r.accountRepo.ListAll()
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		missing, err := r.worker.MissingIDs(ctx, account.ID)
		if err != nil {
			log.Printf("[Reconciler] Failed to diff account %s: %v", account.ID, err)
			continue
		}
		if len(missing) == 0 {
			continue
		}

		summary.Missing += len(missing)
		if !r.queue.Available() {
			log.Printf("[Reconciler] Queue unavailable, %d missing documents for %s wait for the next tick", len(missing), account.ID)
			continue
		}
		if err := r.queue.EnqueueSyncBulk(missing, syncqueue.DefaultBulkBatchSize, syncqueue.PriorityLow); err != nil {
			log.Printf("[Reconciler] Failed to enqueue repair for %s: %v", account.ID, err)
			continue
		}
		summary.Queued += len(missing)
	}
	return summary, nil
}
