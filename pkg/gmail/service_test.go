package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/gmail/v1"
)

func b64url(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, "hello", decodeBody(b64url("hello")))
	// Standard base64 fallback.
	assert.Equal(t, "hi>there?", decodeBody(base64.StdEncoding.EncodeToString([]byte("hi>there?"))))
	// Unpadded base64url.
	assert.Equal(t, "ab", decodeBody(base64.RawURLEncoding.EncodeToString([]byte("ab"))))
	assert.Equal(t, "", decodeBody("!!not-base64!!"))
}

func TestExtractBodiesPrefersNestedParts(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "multipart/related",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64url("plain body")}},
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64url("<p>html body</p>")}},
				},
			},
		},
	}

	text, html := extractBodies(payload)
	assert.Equal(t, "plain body", text)
	assert.Equal(t, "<p>html body</p>", html)
}

func TestConvertMessageNormalization(t *testing.T) {
	internal := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := &gmail.Message{
		Id:           "18b2c3",
		InternalDate: internal.UnixMilli(),
		LabelIds:     []string{"INBOX", "UNREAD"},
		Snippet:      "snippet text",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Hello"},
				{Name: "From", Value: `"Jane" <jane@corp.example>`},
				{Name: "To", Value: "acc@example.com"},
				{Name: "Date", Value: "Sat, 01 Jun 2024 11:58:00 +0000"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64url("the body")}},
			},
		},
	}

	email := convertMessage(msg, "acc@example.com", "acc_1")

	assert.Equal(t, "acc@example.com_18b2c3", email.ID)
	assert.Equal(t, "acc_1", email.AccountID)
	assert.Equal(t, "18b2c3", email.UID)
	assert.Equal(t, "inbox", email.Folder)
	assert.Equal(t, "Hello", email.Subject)
	assert.Equal(t, "Jane", email.FromName)
	assert.Equal(t, "jane@corp.example", email.FromAddress)
	assert.Equal(t, "the body", email.Body)
	// Date header wins over the internal date.
	assert.Equal(t, time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), email.Date.UTC())
	assert.NotContains(t, email.Flags, "\\Seen")
}

func TestConvertMessageFallbacks(t *testing.T) {
	internal := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := &gmail.Message{
		Id:           "19",
		InternalDate: internal.UnixMilli(),
		LabelIds:     []string{"INBOX"},
		Snippet:      "only a snippet",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Date", Value: "not a date"},
			},
		},
	}

	email := convertMessage(msg, "acc@example.com", "acc_1")

	// Unparseable Date header falls back to the internal date.
	assert.Equal(t, internal.Unix(), email.Date.Unix())
	// No text or html part: snippet is the body.
	assert.Equal(t, "only a snippet", email.Body)
	// Empty subject normalizes to the placeholder.
	assert.Equal(t, "(No Subject)", email.Subject)
	// No UNREAD label means the message was already read.
	assert.Contains(t, email.Flags, "\\Seen")
}

func TestFolderFromLabels(t *testing.T) {
	assert.Equal(t, "inbox", folderFromLabels([]string{"SENT", "INBOX"}))
	assert.Equal(t, "sent", folderFromLabels([]string{"SENT"}))
	assert.Equal(t, "inbox", folderFromLabels([]string{"CATEGORY_SOCIAL"}))
	assert.Equal(t, "inbox", folderFromLabels(nil))
}
