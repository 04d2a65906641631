package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/internal/email/repository"
)

// chunkDeadline bounds one LLM call; a timed-out chunk fails per-id and the
// run continues with the next chunk.
const chunkDeadline = 90 * time.Second

// maxBodyChars is how much of each body the prompt carries.
const maxBodyChars = 1000

// Completer is the chat-completion edge (pkg/llm in production).
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Notifier receives newly Interested messages.
type Notifier interface {
	NotifyInterested(ctx context.Context, email *emaildomain.Email)
}

// CategoryWriter flushes category assignments to both stores (the write
// coordinator in production).
type CategoryWriter interface {
	BulkUpdateCategories(ctx context.Context, categories map[string]emaildomain.Category) error
}

// ClassifiedResult is one id's outcome within a run.
type ClassifiedResult struct {
	ID         string               `json:"id"`
	Category   emaildomain.Category `json:"category"`
	Confidence float64              `json:"confidence"`
	Reasoning  string               `json:"reasoning,omitempty"`
}

// RunResult summarizes a categorization run.
type RunResult struct {
	Processed int                         `json:"processed"`
	Results   map[string]ClassifiedResult `json:"results"`
	Errors    map[string]string           `json:"errors"`
}

type trigger struct {
	ids    []string
	result chan *RunResult
}

// Categorizer classifies uncategorized messages in batches. One long-lived
// runner goroutine owns the whole lifecycle: overlapping runs are impossible
// by construction and cancellation is checked between chunks.
type Categorizer struct {
	emailRepo  repository.EmailRepository
	ingest     CategoryWriter
	llm        Completer
	notifier   Notifier
	batchSize  int
	batchDelay time.Duration

	triggers chan trigger
	busy     atomic.Bool
}

func NewCategorizer(emailRepo repository.EmailRepository, ingest CategoryWriter, llm Completer, notifier Notifier, batchSize int, batchDelay time.Duration) *Categorizer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Categorizer{
		emailRepo:  emailRepo,
		ingest:     ingest,
		llm:        llm,
		notifier:   notifier,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		triggers:   make(chan trigger, 1),
	}
}

// Start runs the trigger loop until ctx is cancelled.
func (c *Categorizer) Start(ctx context.Context) {
	go func() {
		log.Printf("[Categorizer] Runner started (batch size %d)", c.batchSize)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Categorizer] Runner stopped")
				return
			case t := <-c.triggers:
				result := c.run(ctx, t.ids)
				c.busy.Store(false)
				t.result <- result
			}
		}
	}()
}

// Trigger submits a run over the given ids (or all uncategorized ids when
// empty) and returns a future for the result. When a run is already active
// the submission fails instead of queueing behind it.
func (c *Categorizer) Trigger(ids []string) (<-chan *RunResult, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("categorization already running")
	}
	t := trigger{ids: ids, result: make(chan *RunResult, 1)}
	c.triggers <- t
	return t.result, nil
}

// CategorizeByID runs the same pipeline over a single message and waits.
func (c *Categorizer) CategorizeByID(ctx context.Context, id string) (*RunResult, error) {
	future, err := c.Trigger([]string{id})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-future:
		return result, nil
	}
}

// run processes ids chunk by chunk, flushing valid results per chunk.
func (c *Categorizer) run(ctx context.Context, ids []string) *RunResult {
	result := &RunResult{
		Results: make(map[string]ClassifiedResult),
		Errors:  make(map[string]string),
	}

	if len(ids) == 0 {
		var err error
		ids, err = c.emailRepo.ListUncategorizedIDs(0)
		if err != nil {
			log.Printf("[Categorizer] Failed to list uncategorized ids: %v", err)
			return result
		}
	}
	if len(ids) == 0 {
		return result
	}

	log.Printf("[Categorizer] Run over %d messages", len(ids))
	for start := 0; start < len(ids); start += c.batchSize {
		// Cooperative cancellation boundary between chunks.
		if ctx.Err() != nil {
			log.Printf("[Categorizer] Run cancelled after %d messages", result.Processed)
			return result
		}

		end := start + c.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		c.processChunk(ctx, ids[start:end], result)

		if c.batchDelay > 0 && end < len(ids) {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(c.batchDelay):
			}
		}
	}

	log.Printf("[Categorizer] Run complete: %d classified, %d errors", len(result.Results), len(result.Errors))
	return result
}

func (c *Categorizer) processChunk(ctx context.Context, ids []string, result *RunResult) {
	emails, err := c.emailRepo.GetByIDs(ids)
	if err != nil {
		for _, id := range ids {
			result.Errors[id] = fmt.Sprintf("load failed: %v", err)
		}
		return
	}

	byID := make(map[string]*emaildomain.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			result.Errors[id] = "message not found"
		}
	}
	if len(emails) == 0 {
		return
	}

	prompt := buildPrompt(emails)

	chunkCtx, cancel := context.WithTimeout(ctx, chunkDeadline)
	response, err := c.llm.Complete(chunkCtx, prompt)
	cancel()
	if err != nil {
		for _, e := range emails {
			result.Errors[e.ID] = fmt.Sprintf("classification failed: %v", err)
		}
		result.Processed += len(emails)
		return
	}

	classified, errs := ParseClassification(response, emails)
	for id, msg := range errs {
		result.Errors[id] = msg
	}
	result.Processed += len(emails)
	if len(classified) == 0 {
		return
	}

	// Snapshot previous categories before the flush: the loaded structs may
	// alias the store's rows, and the suppression check below must see the
	// pre-flush value.
	previous := make(map[string]*emaildomain.Category, len(classified))
	for id := range classified {
		if email := byID[id]; email != nil && email.Category != nil {
			prev := *email.Category
			previous[id] = &prev
		}
	}

	// Flush this chunk to both stores.
	categories := make(map[string]emaildomain.Category, len(classified))
	for id, r := range classified {
		categories[id] = r.Category
		result.Results[id] = r
	}
	if err := c.ingest.BulkUpdateCategories(ctx, categories); err != nil {
		log.Printf("[Categorizer] Failed to flush categories: %v", err)
		for id := range classified {
			delete(result.Results, id)
			result.Errors[id] = fmt.Sprintf("category update failed: %v", err)
		}
		return
	}

	// Fan out notifications for newly Interested messages. Suppressed when
	// the previous category was already Interested.
	for id, r := range classified {
		if r.Category != emaildomain.CategoryInterested {
			continue
		}
		if prev := previous[id]; prev != nil && *prev == emaildomain.CategoryInterested {
			continue
		}
		enriched := *byID[id]
		cat := r.Category
		enriched.Category = &cat
		go c.notifier.NotifyInterested(context.WithoutCancel(ctx), &enriched)
	}
}

// promptRecord is the escaped shape each message takes inside the prompt.
type promptRecord struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Body    string `json:"body"`
}

func buildPrompt(emails []*emaildomain.Email) string {
	records := make([]promptRecord, 0, len(emails))
	for _, e := range emails {
		body := e.Body
		if len(body) > maxBodyChars {
			body = body[:maxBodyChars]
		}
		from := e.FromAddress
		if e.FromName != "" {
			from = fmt.Sprintf("%s <%s>", e.FromName, e.FromAddress)
		}
		records = append(records, promptRecord{
			ID:      e.ID,
			Subject: e.Subject,
			From:    from,
			Body:    body,
		})
	}

	// json.Marshal escapes every field, so message content cannot break out
	// of the prompt structure.
	encoded, _ := json.Marshal(records)

	return fmt.Sprintf(`You are an email classifier for a sales-focused inbox. Classify each email into exactly one category:
- "Interested": sender expresses interest in the product, pricing or a follow-up
- "Meeting Booked": a meeting or call is being scheduled or confirmed
- "Not Interested": sender declines or asks to stop contact
- "Spam": unsolicited bulk or irrelevant mail
- "Out of Office": automatic absence replies

Emails:
%s

Respond with a JSON object: {"results": [{"id": "<id>", "category": "<category>", "confidence": <0..1>, "reasoning": "<short>"}]}.
Include every id exactly once. Use only the five category names above.`, string(encoded))
}

// ParseClassification applies the per-id parsing rules: unknown categories
// and ids missing from the response are individual errors, confidence is
// clamped to [0,1], ids not in the request are dropped.
func ParseClassification(response string, emails []*emaildomain.Email) (map[string]ClassifiedResult, map[string]string) {
	results := make(map[string]ClassifiedResult)
	errs := make(map[string]string)

	requested := make(map[string]bool, len(emails))
	for _, e := range emails {
		requested[e.ID] = true
	}

	var parsed struct {
		Results []struct {
			ID         string  `json:"id"`
			Category   string  `json:"category"`
			Confidence float64 `json:"confidence"`
			Reasoning  string  `json:"reasoning"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		for _, e := range emails {
			errs[e.ID] = fmt.Sprintf("malformed response: %v", err)
		}
		return results, errs
	}

	for _, r := range parsed.Results {
		if !requested[r.ID] {
			continue
		}
		category := emaildomain.Category(r.Category)
		if !emaildomain.ValidCategory(category) {
			errs[r.ID] = fmt.Sprintf("unknown category %q", r.Category)
			continue
		}
		confidence := r.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		results[r.ID] = ClassifiedResult{
			ID:         r.ID,
			Category:   category,
			Confidence: confidence,
			Reasoning:  r.Reasoning,
		}
	}

	for _, e := range emails {
		if _, ok := results[e.ID]; ok {
			continue
		}
		if _, ok := errs[e.ID]; ok {
			continue
		}
		errs[e.ID] = "id missing from response"
	}
	return results, errs
}
