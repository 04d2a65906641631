package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interested() *emaildomain.Email {
	cat := emaildomain.CategoryInterested
	return &emaildomain.Email{
		ID:           "acc@example.com_101",
		AccountID:    "acc_1",
		AccountEmail: "acc@example.com",
		Subject:      "Interested in your pricing",
		FromName:     "Jane Buyer",
		FromAddress:  "jane@corp.example",
		Body:         strings.Repeat("We would like to learn more. ", 20),
		Category:     &cat,
	}
}

func TestNotifyInterestedPostsBothSinks(t *testing.T) {
	var genericHits atomic.Int32
	var receivedID string

	generic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		genericHits.Add(1)
		body, _ := io.ReadAll(r.Body)
		var payload emaildomain.Email
		require.NoError(t, json.Unmarshal(body, &payload))
		receivedID = payload.ID
		w.WriteHeader(http.StatusOK)
	}))
	defer generic.Close()

	var slackHits atomic.Int32
	var slackMsg *slack.WebhookMessage

	svc := NewService("https://hooks.slack.example/services/T/B/x", generic.URL)
	svc.postSlack = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		slackHits.Add(1)
		slackMsg = msg
		return nil
	}

	svc.NotifyInterested(context.Background(), interested())

	assert.Equal(t, int32(1), genericHits.Load())
	assert.Equal(t, int32(1), slackHits.Load())
	assert.Equal(t, "acc@example.com_101", receivedID)

	require.NotNil(t, slackMsg)
	require.NotNil(t, slackMsg.Blocks)
	assert.Len(t, slackMsg.Blocks.BlockSet, 3)
}

func TestNotifyInterestedSinkFailureDoesNotPanic(t *testing.T) {
	generic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer generic.Close()

	svc := NewService("https://hooks.slack.example/services/T/B/x", generic.URL)
	svc.postSlack = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return assert.AnError
	}

	// Failures are logged, never propagated.
	svc.NotifyInterested(context.Background(), interested())
}

func TestNotifyInterestedSkipsUnconfiguredSinks(t *testing.T) {
	svc := NewService("", "")
	svc.postSlack = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		t.Fatal("slack sink should not be called")
		return nil
	}
	svc.NotifyInterested(context.Background(), interested())
}

func TestSnippetTruncation(t *testing.T) {
	assert.Equal(t, "(empty body)", snippet(""))
	assert.Equal(t, "short", snippet("short"))

	long := strings.Repeat("a", 500)
	got := snippet(long)
	assert.Equal(t, 203, len(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}
