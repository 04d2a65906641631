package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport routes requests to canned handlers by method+path prefix.
type stubTransport struct {
	handler  func(req *http.Request) (int, string)
	requests []string
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests = append(t.requests, req.Method+" "+req.URL.Path)
	status, body := t.handler(req)
	return &http.Response{
		StatusCode: status,
		Header: http.Header{
			"Content-Type":      []string{"application/json"},
			"X-Elastic-Product": []string{"Elasticsearch"},
		},
		Body: io.NopCloser(strings.NewReader(body)),
	}, nil
}

func newStubStore(t *testing.T, transport *stubTransport) *Store {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://stub.invalid"},
		Transport: transport,
	})
	require.NoError(t, err)
	return NewStoreWithClient(client)
}

func sampleMsgs(n int) []*emaildomain.Email {
	msgs := make([]*emaildomain.Email, 0, n)
	for i := 0; i < n; i++ {
		msg := &emaildomain.Email{
			AccountID:    "acc_1",
			AccountEmail: "acc@example.com",
			UID:          fmt.Sprintf("%d", 101+i),
			Subject:      fmt.Sprintf("message %d", i),
			Date:         time.Date(2024, 6, 1, 12, i, 0, 0, time.UTC),
		}
		msg.Normalize()
		msgs = append(msgs, msg)
	}
	return msgs
}

func mgetResponse(found map[string]bool, ids []string) string {
	type doc struct {
		ID    string `json:"_id"`
		Found bool   `json:"found"`
	}
	var docs []doc
	for _, id := range ids {
		docs = append(docs, doc{ID: id, Found: found[id]})
	}
	b, _ := json.Marshal(map[string]interface{}{"docs": docs})
	return string(b)
}

func bulkResponse(n int) string {
	items := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]interface{}{
			"index": map[string]interface{}{"status": 201},
		})
	}
	b, _ := json.Marshal(map[string]interface{}{"errors": false, "items": items})
	return string(b)
}

func TestBulkIndexIdempotency(t *testing.T) {
	msgs := sampleMsgs(3)
	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}

	indexed := map[string]bool{}
	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (int, string) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/_mget"):
			return 200, mgetResponse(indexed, ids)
		case strings.HasSuffix(req.URL.Path, "/_bulk"):
			body, _ := io.ReadAll(req.Body)
			n := 0
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if strings.Contains(line, `"index"`) && strings.Contains(line, `"_id"`) {
					var meta map[string]map[string]string
					if json.Unmarshal([]byte(line), &meta) == nil {
						indexed[meta["index"]["_id"]] = true
						n++
					}
				}
			}
			return 200, bulkResponse(n)
		}
		return 404, "{}"
	}
	store := newStubStore(t, transport)

	// First pass: everything is new.
	result, err := store.BulkIndex(context.Background(), msgs, false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Indexed)
	assert.Equal(t, 0, result.Skipped)

	// Second pass: the mget precheck classifies every id as existing.
	result, err = store.BulkIndex(context.Background(), msgs, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 3, result.Skipped)
}

func TestBulkIndexForceUpdateSkipsPrecheck(t *testing.T) {
	msgs := sampleMsgs(2)

	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (int, string) {
		if strings.HasSuffix(req.URL.Path, "/_bulk") {
			return 200, bulkResponse(2)
		}
		return 404, "{}"
	}
	store := newStubStore(t, transport)

	result, err := store.BulkIndex(context.Background(), msgs, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)

	for _, r := range transport.requests {
		assert.NotContains(t, r, "_mget")
	}
}

func TestSearchEmptyAllowedSetIsFence(t *testing.T) {
	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (int, string) {
		t.Fatal("no request should reach the index")
		return 500, "{}"
	}
	store := newStubStore(t, transport)

	result, err := store.Search(context.Background(), "", SearchFilters{Account: "acc_other"}, nil, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Zero(t, result.Total)
	assert.Empty(t, transport.requests)
}

func TestSearchAccountFilterOutsideScopeIsFence(t *testing.T) {
	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (int, string) {
		t.Fatal("no request should reach the index")
		return 500, "{}"
	}
	store := newStubStore(t, transport)

	result, err := store.Search(context.Background(), "", SearchFilters{Account: "acc_other"}, []string{"acc_mine"}, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Empty(t, transport.requests)
}

func TestSearchParsesHitsAndAggregation(t *testing.T) {
	response := `{
		"hits": {
			"total": {"value": 42},
			"hits": [
				{"_id": "acc@example.com_101", "_source": {"account": "acc_1", "subject": "hi", "category": "Interested"}}
			]
		},
		"aggregations": {
			"categories": {
				"buckets": [
					{"key": "Interested", "doc_count": 12},
					{"key": "uncategorized", "doc_count": 30}
				]
			}
		}
	}`

	var captured string
	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (int, string) {
		body, _ := io.ReadAll(req.Body)
		captured = string(body)
		return 200, response
	}
	store := newStubStore(t, transport)

	result, err := store.Search(context.Background(), "pricing", SearchFilters{Folder: "INBOX"}, []string{"acc_1"}, 2, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(42), result.Total)
	assert.Equal(t, 2, result.Page)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, 5, result.TotalPages)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "acc@example.com_101", result.Hits[0].ID)
	assert.Equal(t, int64(30), result.Categories["uncategorized"])

	// The query body carries the multi-field match, the lowercased folder
	// filter, date-desc sort and the missing-bucket aggregation.
	assert.Contains(t, captured, "multi_match")
	assert.Contains(t, captured, `"folder":"inbox"`)
	assert.Contains(t, captured, `"missing":"uncategorized"`)
	assert.Contains(t, captured, `"order":"desc"`)
	assert.Contains(t, captured, `"from":10`)
}

func TestDocumentCarriesNoSecrets(t *testing.T) {
	msg := sampleMsgs(1)[0]
	doc := toDocument(msg)

	b, err := json.Marshal(doc)
	require.NoError(t, err)
	for _, forbidden := range []string{"access_token", "refresh_token", "password"} {
		assert.NotContains(t, string(b), forbidden)
	}
}
