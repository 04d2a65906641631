package imap

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
)

const multipartMessage = "From: Jane <jane@corp.example>\r\n" +
	"To: acc@example.com\r\n" +
	"Subject: Hello\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--b1--\r\n"

func TestParseBodyMultipart(t *testing.T) {
	text, html := parseBody(strings.NewReader(multipartMessage))
	assert.Equal(t, "plain body", strings.TrimSpace(text))
	assert.Equal(t, "<p>html body</p>", strings.TrimSpace(html))
}

func TestParseBodyPlain(t *testing.T) {
	msg := "From: a@b.c\r\n" +
		"Subject: plain\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n"

	text, html := parseBody(strings.NewReader(msg))
	assert.Equal(t, "just text", strings.TrimSpace(text))
	assert.Empty(t, html)
}

func TestNormalizeFlagsDropsRecent(t *testing.T) {
	got := normalizeFlags([]string{imap.SeenFlag, imap.RecentFlag, imap.FlaggedFlag})
	assert.Equal(t, []string{imap.SeenFlag, imap.FlaggedFlag}, got)
}
