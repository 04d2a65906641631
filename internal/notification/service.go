package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/slack-go/slack"
)

const snippetLength = 200

// Service fans out Interested notifications to the configured webhook sinks.
// Each configured sink gets one POST per call; a failed POST is not retried
// here. Failures are logged per sink and never propagated back into the
// pipeline.
type Service struct {
	slackWebhookURL   string
	genericWebhookURL string
	httpClient        *http.Client

	// postSlack is swappable for tests.
	postSlack func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewService(slackWebhookURL, genericWebhookURL string) *Service {
	return &Service{
		slackWebhookURL:   slackWebhookURL,
		genericWebhookURL: genericWebhookURL,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		postSlack:         slack.PostWebhookContext,
	}
}

// NotifyInterested posts the message to both sinks in parallel and waits for
// both outcomes.
func (s *Service) NotifyInterested(ctx context.Context, email *emaildomain.Email) {
	if email == nil {
		return
	}

	var wg sync.WaitGroup

	if s.slackWebhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sendSlack(ctx, email); err != nil {
				log.Printf("[Notifier] Slack webhook failed for %s: %v", email.ID, err)
			}
		}()
	}

	if s.genericWebhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sendGeneric(ctx, email); err != nil {
				log.Printf("[Notifier] Generic webhook failed for %s: %v", email.ID, err)
			}
		}()
	}

	wg.Wait()
}

// sendSlack posts a blocks layout: header, field grid, body snippet.
func (s *Service) sendSlack(ctx context.Context, email *emaildomain.Email) error {
	from := email.FromAddress
	if email.FromName != "" {
		from = fmt.Sprintf("%s <%s>", email.FromName, email.FromAddress)
	}

	category := ""
	if email.Category != nil {
		category = string(*email.Category)
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*From:*\n%s", from), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Subject:*\n%s", email.Subject), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Account:*\n%s", email.AccountEmail), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Category:*\n%s", category), false, false),
	}

	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "New Interested Lead", false, false)),
				slack.NewSectionBlock(nil, fields, nil),
				slack.NewSectionBlock(
					slack.NewTextBlockObject(slack.MarkdownType, snippet(email.Body), false, false),
					nil, nil,
				),
			},
		},
	}

	return s.postSlack(ctx, s.slackWebhookURL, msg)
}

// sendGeneric posts the full message record as JSON.
func (s *Service) sendGeneric(ctx context.Context, email *emaildomain.Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.genericWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func snippet(body string) string {
	if body == "" {
		return "(empty body)"
	}
	runes := []rune(body)
	if len(runes) <= snippetLength {
		return body
	}
	return string(runes[:snippetLength]) + "..."
}
