package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageID(t *testing.T) {
	assert.Equal(t, "user@example.com_18b2c3", MessageID("user@example.com", "18b2c3"))
}

func TestNormalize(t *testing.T) {
	t.Run("empty subject becomes placeholder", func(t *testing.T) {
		e := &Email{AccountEmail: "a@b.c", UID: "1", Subject: "   "}
		e.Normalize()
		assert.Equal(t, "(No Subject)", e.Subject)
	})

	t.Run("folder lowercased", func(t *testing.T) {
		e := &Email{AccountEmail: "a@b.c", UID: "1", Folder: "INBOX"}
		e.Normalize()
		assert.Equal(t, "inbox", e.Folder)
	})

	t.Run("id derived from account email and uid", func(t *testing.T) {
		e := &Email{AccountEmail: "a@b.c", UID: "42"}
		e.Normalize()
		assert.Equal(t, "a@b.c_42", e.ID)
	})

	t.Run("body falls back to text then html", func(t *testing.T) {
		e := &Email{AccountEmail: "a@b.c", UID: "1", TextBody: "plain"}
		e.Normalize()
		assert.Equal(t, "plain", e.Body)

		e = &Email{AccountEmail: "a@b.c", UID: "2", HTMLBody: "<p>hi</p>"}
		e.Normalize()
		assert.Equal(t, "<p>hi</p>", e.Body)
	})

	t.Run("existing values untouched", func(t *testing.T) {
		date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		e := &Email{ID: "fixed", AccountEmail: "a@b.c", UID: "1", Subject: "hello", Body: "snippet", Date: date}
		e.Normalize()
		assert.Equal(t, "fixed", e.ID)
		assert.Equal(t, "hello", e.Subject)
		assert.Equal(t, "snippet", e.Body)
		assert.Equal(t, date, e.Date)
	})
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want Address
	}{
		{`"John Doe" <john@example.com>`, Address{Name: "John Doe", Address: "john@example.com"}},
		{`John Doe <john@example.com>`, Address{Name: "John Doe", Address: "john@example.com"}},
		{`john@example.com`, Address{Address: "john@example.com"}},
		{`<john@example.com>`, Address{Address: "john@example.com"}},
		{``, Address{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAddress(tt.raw))
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList(`"Doe, John" <john@example.com>, jane@example.com`)
	assert.Len(t, got, 2)
	assert.Equal(t, "john@example.com", got[0].Address)
	assert.Equal(t, "Doe, John", got[0].Name)
	assert.Equal(t, "jane@example.com", got[1].Address)
}

func TestValidCategory(t *testing.T) {
	for _, c := range []Category{CategoryInterested, CategoryMeetingBooked, CategoryNotInterested, CategorySpam, CategoryOutOfOffice} {
		assert.True(t, ValidCategory(c))
	}
	assert.False(t, ValidCategory("Urgent"))
	assert.False(t, ValidCategory("interested"))
}

func TestRetriable(t *testing.T) {
	assert.False(t, Retriable(ErrAuthPermanent))
	assert.False(t, Retriable(ErrNoRefreshToken))
	assert.True(t, Retriable(ErrRateLimited))
	assert.True(t, Retriable(assert.AnError))
}
