package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	// bulkTimeout bounds a single SyncBulk job run.
	bulkTimeout = 10 * time.Minute
	// jobRetention keeps finished jobs around for the queue tooling;
	// archived (dead) jobs are retained by the broker beyond that.
	jobRetention = 24 * time.Hour
)

// Queue wraps the durable job broker. When the broker is unreachable at
// startup the queue reports unavailable and the rest of the system falls
// back to direct indexing.
type Queue struct {
	client    *asynq.Client
	redisOpt  asynq.RedisConnOpt
	available bool
	maxRetry  int
}

// NewQueue connects to the broker. A failed ping does not error: the queue
// is simply marked unavailable.
func NewQueue(cfg *config.Config) *Queue {
	opt, err := redis.ParseURL(cfg.QueueBrokerURL)
	if err != nil {
		log.Printf("[SyncQueue] Invalid broker URL, queue disabled: %v", err)
		return &Queue{available: false}
	}

	probe := redis.NewClient(opt)
	defer probe.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		log.Printf("[SyncQueue] Broker unreachable, queue disabled: %v", err)
		return &Queue{available: false}
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	}
	return &Queue{
		client:    asynq.NewClient(redisOpt),
		redisOpt:  redisOpt,
		available: true,
		maxRetry:  cfg.QueueMaxRetries,
	}
}

// Available reports whether jobs can be enqueued.
func (q *Queue) Available() bool {
	return q != nil && q.available
}

// RedisOpt exposes the broker connection for the worker server.
func (q *Queue) RedisOpt() asynq.RedisConnOpt {
	return q.redisOpt
}

func (q *Queue) Close() {
	if q.Available() {
		_ = q.client.Close()
	}
}

func (q *Queue) enqueue(taskType string, payload interface{}, queueName string, opts ...asynq.Option) error {
	if !q.Available() {
		return emaildomain.ErrQueueUnavailable
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	base := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(jobRetention),
	}
	base = append(base, opts...)

	info, err := q.client.Enqueue(asynq.NewTask(taskType, data), base...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	log.Printf("[SyncQueue] Enqueued %s id=%s queue=%s", taskType, info.ID, info.Queue)
	return nil
}

// EnqueueSyncOne schedules a single-message index job.
func (q *Queue) EnqueueSyncOne(messageID string, priority Priority) error {
	return q.enqueue(TypeSyncOne, SyncOnePayload{MessageID: messageID, Priority: priority}, QueueEmailSync)
}

// EnqueueSyncBulk schedules one bulk index job over the given ids.
func (q *Queue) EnqueueSyncBulk(messageIDs []string, batchSize int, priority Priority) error {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}
	return q.enqueue(
		TypeSyncBulk,
		SyncBulkPayload{MessageIDs: messageIDs, BatchSize: batchSize, Priority: priority},
		QueueBulkSync,
		asynq.Timeout(bulkTimeout),
	)
}

// EnqueueReconcile schedules a repair pass for one account.
func (q *Queue) EnqueueReconcile(accountID string, daysBack int, priority Priority) error {
	return q.enqueue(
		TypeReconcile,
		ReconcilePayload{AccountID: accountID, DaysBack: daysBack, Priority: priority},
		QueueReconciliation,
	)
}

// EnqueueReindexAll schedules a full rebuild of one account's documents.
func (q *Queue) EnqueueReindexAll(accountID string, deleteExisting bool) error {
	return q.enqueue(
		TypeReindexAll,
		ReindexAllPayload{AccountID: accountID, DeleteExisting: deleteExisting, Priority: PriorityLow},
		QueueReconciliation,
		asynq.Timeout(bulkTimeout),
	)
}
