package usecase

import (
	"context"
	"log"

	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/internal/email/repository"
	"onebox-backend/internal/email/search"
	syncqueue "onebox-backend/internal/sync"
)

// IngestSource records which path replicated a batch into the search store.
type IngestSource string

const (
	SourceQueue  IngestSource = "queue"
	SourceDirect IngestSource = "direct"
)

// IngestOutcome is what a batch write did, plus the replication path taken.
type IngestOutcome struct {
	Indexed int          `json:"indexed"`
	Skipped int          `json:"skipped"`
	Source  IngestSource `json:"source"`
}

// IngestService is the write coordinator: authoritative store first, search
// replication second, either through the queue or directly when the broker
// is down.
type IngestService struct {
	emailRepo repository.EmailRepository
	store     *search.Store
	queue     *syncqueue.Queue
}

func NewIngestService(emailRepo repository.EmailRepository, store *search.Store, queue *syncqueue.Queue) *IngestService {
	return &IngestService{
		emailRepo: emailRepo,
		store:     store,
		queue:     queue,
	}
}

// Ingest writes one batch. The row store decides what was new; only the
// inserted ids are handed to the sync queue.
func (s *IngestService) Ingest(ctx context.Context, msgs []*emaildomain.Email) (*IngestOutcome, error) {
	result, err := s.emailRepo.UpsertMessages(msgs)
	if err != nil {
		return nil, err
	}

	outcome := &IngestOutcome{Indexed: result.Indexed, Skipped: result.Skipped, Source: SourceQueue}
	if result.Indexed == 0 {
		return outcome, nil
	}

	if s.queue.Available() {
		if err := s.queue.EnqueueSyncBulk(result.InsertedIDs, syncqueue.DefaultBulkBatchSize, syncqueue.PriorityNormal); err == nil {
			return outcome, nil
		} else {
			log.Printf("[Ingest] Enqueue failed, falling back to direct indexing: %v", err)
		}
	}

	// Broker down: index synchronously. Indexing errors degrade to a
	// warning; the reconciler repairs the divergence on its next tick.
	outcome.Source = SourceDirect
	inserted := make([]*emaildomain.Email, 0, result.Indexed)
	insertedSet := make(map[string]struct{}, len(result.InsertedIDs))
	for _, id := range result.InsertedIDs {
		insertedSet[id] = struct{}{}
	}
	for _, msg := range msgs {
		if _, ok := insertedSet[msg.ID]; ok {
			inserted = append(inserted, msg)
		}
	}
	if _, err := s.store.BulkIndex(ctx, inserted, false); err != nil {
		log.Printf("[Ingest] Direct indexing failed (reconciler will repair): %v", err)
	}
	return outcome, nil
}

// IndexOne schedules a single-message re-index.
func (s *IngestService) IndexOne(ctx context.Context, messageID string) error {
	if s.queue.Available() {
		return s.queue.EnqueueSyncOne(messageID, syncqueue.PriorityNormal)
	}

	msg, err := s.emailRepo.GetByID(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	_, err = s.store.BulkIndex(ctx, []*emaildomain.Email{msg}, true)
	return err
}

// UpdateCategory writes the category to the row store then the search store.
// Category updates bypass the queue: they are small, frequent and must be
// visible to filtered reads quickly. The previous category is returned so
// callers can suppress duplicate notifications.
func (s *IngestService) UpdateCategory(ctx context.Context, id string, category emaildomain.Category) (*emaildomain.Category, error) {
	existing, err := s.emailRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	previous := existing.Category

	if err := s.emailRepo.UpdateCategory(id, category); err != nil {
		return previous, err
	}
	if err := s.store.UpdateCategory(ctx, id, category); err != nil {
		// Row store is authoritative; a search-side failure is logged and
		// left for reconciliation.
		log.Printf("[Ingest] Search category update failed for %s: %v", id, err)
	}
	return previous, nil
}

// BulkUpdateCategories applies a category map to both stores.
func (s *IngestService) BulkUpdateCategories(ctx context.Context, categories map[string]emaildomain.Category) error {
	if len(categories) == 0 {
		return nil
	}
	if err := s.emailRepo.BulkUpdateCategories(categories); err != nil {
		return err
	}
	if err := s.store.BulkUpdateCategories(ctx, categories); err != nil {
		log.Printf("[Ingest] Search bulk category update failed: %v", err)
	}
	return nil
}
