package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const emailIndex = "emails"

// emailMapping mirrors the canonical message shape. folder carries a
// lowercase normalizer so filter equality matches the row store's
// normalization; recipients are nested so per-recipient queries stay exact.
const emailMapping = `{
  "settings": {
    "analysis": {
      "normalizer": {
        "lowercase_normalizer": {"type": "custom", "filter": ["lowercase"]}
      }
    }
  },
  "mappings": {
    "properties": {
      "account":  {"type": "keyword"},
      "folder":   {"type": "keyword", "normalizer": "lowercase_normalizer"},
      "subject":  {"type": "text"},
      "from": {
        "properties": {
          "name":    {"type": "text"},
          "address": {"type": "keyword"}
        }
      },
      "to": {
        "type": "nested",
        "properties": {
          "name":    {"type": "text"},
          "address": {"type": "keyword"}
        }
      },
      "date":     {"type": "date"},
      "body":     {"type": "text"},
      "textBody": {"type": "text"},
      "htmlBody": {"type": "text"},
      "flags":    {"type": "keyword"},
      "category": {"type": "keyword"},
      "uid":      {"type": "keyword"}
    }
  }
}`

// Mirror indexes kept alongside emails. Secret token fields are excluded
// from indexing entirely.
var mirrorMappings = map[string]string{
	"users": `{
  "mappings": {
    "properties": {
      "email":     {"type": "keyword"},
      "provider":  {"type": "keyword"},
      "role":      {"type": "keyword"},
      "is_active": {"type": "boolean"}
    }
  }
}`,
	"oauth_tokens": `{
  "mappings": {
    "properties": {
      "email":         {"type": "keyword"},
      "token_expiry":  {"type": "date"},
      "scope":         {"type": "keyword"},
      "access_token":  {"type": "keyword", "index": false, "doc_values": false},
      "refresh_token": {"type": "keyword", "index": false, "doc_values": false}
    }
  }
}`,
	"account_configs": `{
  "mappings": {
    "properties": {
      "account":     {"type": "keyword"},
      "auth_type":   {"type": "keyword"},
      "sync_status": {"type": "keyword"},
      "imap_config": {"type": "object", "enabled": false}
    }
  }
}`,
}

// Document is the indexed projection of a message.
type Document struct {
	Account  string                `json:"account"`
	Folder   string                `json:"folder"`
	Subject  string                `json:"subject"`
	From     emaildomain.Address   `json:"from"`
	To       []emaildomain.Address `json:"to"`
	Date     string                `json:"date"`
	Body     string                `json:"body"`
	TextBody string                `json:"textBody"`
	HTMLBody string                `json:"htmlBody"`
	Flags    []string              `json:"flags"`
	Category *string               `json:"category,omitempty"`
	UID      string                `json:"uid"`
}

// Hit is one search result.
type Hit struct {
	ID       string   `json:"id"`
	Document Document `json:"document"`
}

// SearchFilters narrows a query.
type SearchFilters struct {
	Account  string
	Folder   string
	Category string
}

// SearchResult is the paginated response contract.
type SearchResult struct {
	Hits       []Hit            `json:"hits"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"total_pages"`
	Categories map[string]int64 `json:"categories,omitempty"`
}

// BulkResult mirrors the row store's ingest counts.
type BulkResult struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// Store wraps the process-wide search client and owns the emails index.
type Store struct {
	client *elasticsearch.Client
}

func NewStore(searchURL string) (*Store, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{searchURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient is used by tests to inject a stubbed transport.
func NewStoreWithClient(client *elasticsearch.Client) *Store {
	return &Store{client: client}
}

// EnsureIndexes creates the emails index and its mirrors when missing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string]string{emailIndex: emailMapping}
	for name, mapping := range mirrorMappings {
		indexes[name] = mapping
	}

	for name, mapping := range indexes {
		exists, err := s.indexExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		res, err := s.client.Indices.Create(
			name,
			s.client.Indices.Create.WithContext(ctx),
			s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
		if err := closeResponse(res, "create index "+name); err != nil {
			return err
		}
		log.Printf("[SearchStore] Created index %s", name)
	}
	return nil
}

func (s *Store) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := s.client.Indices.Exists([]string{name}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

// toDocument projects a message into the index shape. Secret fields never
// appear here.
func toDocument(msg *emaildomain.Email) Document {
	doc := Document{
		Account:  msg.AccountID,
		Folder:   strings.ToLower(msg.Folder),
		Subject:  msg.Subject,
		From:     emaildomain.Address{Name: msg.FromName, Address: msg.FromAddress},
		To:       msg.To,
		Date:     msg.Date.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Body:     msg.Body,
		TextBody: msg.TextBody,
		HTMLBody: msg.HTMLBody,
		Flags:    msg.Flags,
		UID:      msg.UID,
	}
	if msg.Category != nil {
		c := string(*msg.Category)
		doc.Category = &c
	}
	return doc
}

// BulkIndex writes messages to the index. An mget precheck classifies each id
// as new or existing; existing ids are skipped unless forceUpdate, which is
// the reindex path.
func (s *Store) BulkIndex(ctx context.Context, msgs []*emaildomain.Email, forceUpdate bool) (*BulkResult, error) {
	result := &BulkResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	existing := map[string]bool{}
	if !forceUpdate {
		var err error
		existing, err = s.multiGetExisting(ctx, msgs)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	actions := 0
	for _, msg := range msgs {
		if !forceUpdate && existing[msg.ID] {
			result.Skipped++
			continue
		}

		meta := map[string]map[string]string{"index": {"_index": emailIndex, "_id": msg.ID}}
		metaLine, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		docLine, err := json.Marshal(toDocument(msg))
		if err != nil {
			return nil, err
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
		actions++
	}

	if actions == 0 {
		return result, nil
	}

	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("false"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: bulk index: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: bulk index returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	for _, item := range bulkResp.Items {
		for _, op := range item {
			if op.Status >= 200 && op.Status < 300 {
				result.Indexed++
			} else {
				result.Skipped++
			}
		}
	}
	return result, nil
}

// multiGetExisting runs the mget precheck and returns the set of ids already
// present in the index.
func (s *Store) multiGetExisting(ctx context.Context, msgs []*emaildomain.Email) (map[string]bool, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}

	body, err := json.Marshal(map[string]interface{}{"ids": ids})
	if err != nil {
		return nil, err
	}

	res, err := s.client.Mget(
		bytes.NewReader(body),
		s.client.Mget.WithContext(ctx),
		s.client.Mget.WithIndex(emailIndex),
		s.client.Mget.WithSourceExcludes("*"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: mget returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	var mgetResp struct {
		Docs []struct {
			ID    string `json:"_id"`
			Found bool   `json:"found"`
		} `json:"docs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&mgetResp); err != nil {
		return nil, fmt.Errorf("failed to decode mget response: %w", err)
	}

	existing := make(map[string]bool, len(mgetResp.Docs))
	for _, doc := range mgetResp.Docs {
		if doc.Found {
			existing[doc.ID] = true
		}
	}
	return existing, nil
}

// BulkUpdateCategories applies per-document partial updates; the documents
// are never re-indexed wholesale for a category change.
func (s *Store) BulkUpdateCategories(ctx context.Context, categories map[string]emaildomain.Category) error {
	if len(categories) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for id, category := range categories {
		meta := map[string]map[string]string{"update": {"_index": emailIndex, "_id": id}}
		metaLine, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		docLine, err := json.Marshal(map[string]interface{}{
			"doc": map[string]string{"category": string(category)},
		})
		if err != nil {
			return err
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: bulk category update: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: bulk category update returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	// A target id may not be indexed yet (ingest still in the queue); such
	// updates are dropped by design, but the misses are worth surfacing.
	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to decode bulk update response: %w", err)
	}
	if bulkResp.Errors {
		missing := 0
		failed := 0
		for _, item := range bulkResp.Items {
			for _, op := range item {
				switch {
				case op.Status == 404:
					missing++
				case op.Status >= 400:
					failed++
				}
			}
		}
		log.Printf("[SearchStore] Bulk category update: %d documents not yet indexed, %d failed (of %d)", missing, failed, len(categories))
	}
	return nil
}

// UpdateCategory updates one document's category field in place.
func (s *Store) UpdateCategory(ctx context.Context, id string, category emaildomain.Category) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]string{"category": string(category)},
	})
	if err != nil {
		return err
	}

	res, err := s.client.Update(
		emailIndex, id, bytes.NewReader(body),
		s.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: update category: %v", emaildomain.ErrStorageFailure, err)
	}
	return closeResponse(res, "update category")
}

// Search runs the multi-field query, fenced by the caller's allowed account
// set. An empty allowed set returns an empty page without touching the index.
func (s *Store) Search(ctx context.Context, query string, filters SearchFilters, userAccountIDs []string, page, limit int) (*SearchResult, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	empty := &SearchResult{Hits: []Hit{}, Page: page, Limit: limit}
	if len(userAccountIDs) == 0 {
		return empty, nil
	}

	// The account filter is always intersected with the allowed set.
	if filters.Account != "" {
		allowed := false
		for _, id := range userAccountIDs {
			if id == filters.Account {
				allowed = true
				break
			}
		}
		if !allowed {
			return empty, nil
		}
		userAccountIDs = []string{filters.Account}
	}

	filterClauses := []map[string]interface{}{
		{"terms": map[string]interface{}{"account": userAccountIDs}},
	}
	if filters.Folder != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"folder": strings.ToLower(filters.Folder)},
		})
	}
	if filters.Category != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"category": filters.Category},
		})
	}

	boolQuery := map[string]interface{}{"filter": filterClauses}
	if strings.TrimSpace(query) != "" {
		boolQuery["must"] = []map[string]interface{}{
			{
				"multi_match": map[string]interface{}{
					"query":  query,
					"fields": []string{"subject", "body", "from.name", "from.address"},
				},
			},
		}
	} else {
		boolQuery["must"] = []map[string]interface{}{{"match_all": map[string]interface{}{}}}
	}

	searchBody := map[string]interface{}{
		"query":            map[string]interface{}{"bool": boolQuery},
		"sort":             []map[string]interface{}{{"date": map[string]string{"order": "desc"}}},
		"from":             (page - 1) * limit,
		"size":             limit,
		"track_total_hits": true,
		"aggs": map[string]interface{}{
			"categories": map[string]interface{}{
				"terms": map[string]interface{}{
					"field":   "category",
					"missing": "uncategorized",
				},
			},
		},
	}

	body, err := json.Marshal(searchBody)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(emailIndex),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: search returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	var searchResp struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string   `json:"_id"`
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations struct {
			Categories struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"categories"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	result := &SearchResult{
		Hits:       make([]Hit, 0, len(searchResp.Hits.Hits)),
		Total:      searchResp.Hits.Total.Value,
		Page:       page,
		Limit:      limit,
		Categories: make(map[string]int64),
	}
	for _, h := range searchResp.Hits.Hits {
		result.Hits = append(result.Hits, Hit{ID: h.ID, Document: h.Source})
	}
	for _, bucket := range searchResp.Aggregations.Categories.Buckets {
		result.Categories[bucket.Key] = bucket.DocCount
	}
	result.TotalPages = int((result.Total + int64(limit) - 1) / int64(limit))
	return result, nil
}

// CountByAccount returns the number of indexed documents for one account.
func (s *Store) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"account": accountID},
		},
	})
	if err != nil {
		return 0, err
	}

	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(emailIndex),
		s.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("%w: count returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	var countResp struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&countResp); err != nil {
		return 0, err
	}
	return countResp.Count, nil
}

// ListIDsByAccount returns up to cap of the account's document ids (newest
// first) from a single search request; cap is clamped to 10 000.
func (s *Store) ListIDsByAccount(ctx context.Context, accountID string, cap int) ([]string, error) {
	if cap <= 0 || cap > 10000 {
		cap = 10000
	}

	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"account": accountID},
		},
		"size":    cap,
		"_source": false,
		"sort":    []map[string]interface{}{{"date": map[string]string{"order": "desc"}}},
	})
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(emailIndex),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list ids: %v", emaildomain.ErrStorageFailure, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: list ids returned %s", emaildomain.ErrStorageFailure, res.Status())
	}

	var searchResp struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(searchResp.Hits.Hits))
	for _, h := range searchResp.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// DeleteByAccount removes every document for an account (reindex support).
func (s *Store) DeleteByAccount(ctx context.Context, accountID string) error {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"account": accountID},
		},
	})
	if err != nil {
		return err
	}

	res, err := s.client.DeleteByQuery(
		[]string{emailIndex},
		bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("%w: delete by query: %v", emaildomain.ErrStorageFailure, err)
	}
	return closeResponse(res, "delete by query")
}

func closeResponse(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s returned %s: %s", emaildomain.ErrStorageFailure, op, res.Status(), string(snippet))
	}
	// Drain so the transport can reuse the connection.
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
