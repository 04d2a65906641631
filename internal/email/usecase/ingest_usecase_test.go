package usecase

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/internal/email/search"
	syncqueue "onebox-backend/internal/sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	bulkCalls int
	mgetCalls int
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body := `{"errors":false,"items":[{"index":{"status":201}},{"index":{"status":201}}]}`
	switch {
	case strings.HasSuffix(req.URL.Path, "/_mget"):
		t.mgetCalls++
		body = `{"docs":[{"_id":"a","found":false},{"_id":"b","found":false}]}`
	case strings.HasSuffix(req.URL.Path, "/_bulk"):
		t.bulkCalls++
	}
	return &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Content-Type":      []string{"application/json"},
			"X-Elastic-Product": []string{"Elasticsearch"},
		},
		Body: io.NopCloser(strings.NewReader(body)),
	}, nil
}

func newRecordingStore(t *testing.T, transport *recordingTransport) *search.Store {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://stub.invalid"},
		Transport: transport,
	})
	require.NoError(t, err)
	return search.NewStoreWithClient(client)
}

func TestIngestFallsBackToDirectIndexingWhenQueueDown(t *testing.T) {
	repo := newFakeEmailRepo()
	transport := &recordingTransport{}
	store := newRecordingStore(t, transport)

	// A zero-value Queue reports unavailable.
	svc := NewIngestService(repo, store, &syncqueue.Queue{})

	msgs := []*emaildomain.Email{
		testEmail("acc@example.com_401", "first"),
		testEmail("acc@example.com_402", "second"),
	}
	outcome, err := svc.Ingest(context.Background(), msgs)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Indexed)
	assert.Equal(t, 0, outcome.Skipped)
	assert.Equal(t, SourceDirect, outcome.Source)
	assert.Equal(t, 1, transport.bulkCalls)

	// Re-ingesting the same batch is a row-store no-op: nothing reaches the
	// search store.
	transport.bulkCalls = 0
	outcome, err = svc.Ingest(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Indexed)
	assert.Equal(t, 2, outcome.Skipped)
	assert.Equal(t, 0, transport.bulkCalls)
}
