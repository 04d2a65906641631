package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/mail"
	"strings"
	"time"

	emaildomain "onebox-backend/internal/email/domain"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// fetchConcurrency bounds parallel messages.get calls per account.
	fetchConcurrency = 10
	// batchSize is how many normalized records accumulate before the batch
	// callback fires.
	batchSize = 50
	// consecutiveOldLimit stops iteration once this many messages in a row
	// fall outside the sync window.
	consecutiveOldLimit = 30
	// totalOldLimit stops iteration once this many old messages were skipped
	// in total.
	totalOldLimit = 100
)

// BatchFunc receives each accumulated batch of normalized messages in
// provider order.
type BatchFunc func(msgs []*emaildomain.Email) error

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// newGmailService builds a Gmail API client around an access token the
// credential store already validated. Refresh is the credential store's job,
// not this client's.
func (s *Service) newGmailService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	srv, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// FetchSince lists messages newer than `since` and streams them to batchFn
// in batches of 50. Iteration stops at maxResults, after 30 consecutive
// old messages, or after 100 old messages in total.
func (s *Service) FetchSince(ctx context.Context, accessToken, accountEmail, accountID string, since time.Time, maxResults int64, batchFn BatchFunc) (int, error) {
	srv, err := s.newGmailService(ctx, accessToken)
	if err != nil {
		return 0, err
	}

	fetched := 0
	consecutiveOld := 0
	totalOld := 0
	pageToken := ""
	var batch []*emaildomain.Email

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := batchFn(batch); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}

		listCall := srv.Users.Messages.List("me").LabelIds("INBOX").MaxResults(100)
		if pageToken != "" {
			listCall = listCall.PageToken(pageToken)
		}
		listResp, err := listCall.Context(ctx).Do()
		if err != nil {
			return fetched, translateError(err)
		}
		if len(listResp.Messages) == 0 {
			break
		}

		msgs, err := s.fetchFull(ctx, srv, listResp.Messages)
		if err != nil {
			return fetched, err
		}

		done := false
		for _, msg := range msgs {
			if msg == nil {
				continue
			}
			email := convertMessage(msg, accountEmail, accountID)

			if email.Date.Before(since) {
				consecutiveOld++
				totalOld++
				if consecutiveOld >= consecutiveOldLimit || totalOld >= totalOldLimit {
					done = true
					break
				}
				continue
			}
			consecutiveOld = 0

			batch = append(batch, email)
			fetched++
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return fetched, err
				}
			}
			if maxResults > 0 && int64(fetched) >= maxResults {
				done = true
				break
			}
		}

		if done {
			break
		}
		pageToken = listResp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	if err := flush(); err != nil {
		return fetched, err
	}
	return fetched, nil
}

// FetchByID fetches and normalizes a single message.
func (s *Service) FetchByID(ctx context.Context, accessToken, accountEmail, accountID, messageID string) (*emaildomain.Email, error) {
	srv, err := s.newGmailService(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	msg, err := s.getWithFallback(ctx, srv, messageID)
	if err != nil {
		return nil, err
	}
	return convertMessage(msg, accountEmail, accountID), nil
}

// fetchFull retrieves message bodies with bounded concurrency, preserving
// list order in the returned slice.
func (s *Service) fetchFull(ctx context.Context, srv *gmail.Service, refs []*gmail.Message) ([]*gmail.Message, error) {
	type fetchResult struct {
		index int
		msg   *gmail.Message
		err   error
	}

	results := make(chan fetchResult, len(refs))
	semaphore := make(chan struct{}, fetchConcurrency)

	for i, ref := range refs {
		go func(index int, id string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			msg, err := s.getWithFallback(ctx, srv, id)
			results <- fetchResult{index: index, msg: msg, err: err}
		}(i, ref.Id)
	}

	ordered := make([]*gmail.Message, len(refs))
	var firstErr error
	for range refs {
		r := <-results
		if r.err != nil {
			// Auth and rate-limit failures abort the cycle; a single bad
			// message is skipped and logged.
			kind := emaildomain.KindOf(r.err)
			if kind == emaildomain.KindAuthExpired || kind == emaildomain.KindAuthPermanent || kind == emaildomain.KindRateLimited {
				if firstErr == nil {
					firstErr = r.err
				}
			} else {
				log.Printf("[Gmail] Failed to fetch message: %v", r.err)
			}
			continue
		}
		ordered[r.index] = r.msg
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return ordered, nil
}

// getWithFallback fetches format=full and retries with format=metadata when
// the grant only carries the metadata scope.
func (s *Service) getWithFallback(ctx context.Context, srv *gmail.Service, id string) (*gmail.Message, error) {
	msg, err := srv.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err == nil {
		return msg, nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 403 && strings.Contains(gerr.Message, "Metadata scope") {
		msg, metaErr := srv.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
		if metaErr != nil {
			return nil, translateError(metaErr)
		}
		return msg, nil
	}
	return nil, translateError(err)
}

// translateError maps provider errors into the closed taxonomy.
func translateError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 401:
			return fmt.Errorf("%w: %v", emaildomain.ErrAuthExpired, err)
		case 403:
			if strings.Contains(gerr.Message, "scope") || strings.Contains(gerr.Message, "Insufficient Permission") {
				return fmt.Errorf("%w: reconnect the account to grant Gmail access: %v", emaildomain.ErrAuthPermanent, err)
			}
			return emaildomain.WithKind(emaildomain.KindTransientIO, err)
		case 429:
			return fmt.Errorf("%w: %v", emaildomain.ErrRateLimited, err)
		}
	}
	return emaildomain.WithKind(emaildomain.KindTransientIO, err)
}

// convertMessage normalizes a Gmail message into the canonical shape.
func convertMessage(msg *gmail.Message, accountEmail, accountID string) *emaildomain.Email {
	email := &emaildomain.Email{
		AccountID:    accountID,
		AccountEmail: accountEmail,
		UID:          msg.Id,
		Folder:       folderFromLabels(msg.LabelIds),
		Flags:        flagsFromLabels(msg.LabelIds),
	}

	if msg.Payload != nil {
		email.Subject = getHeader(msg.Payload.Headers, "Subject")

		from := emaildomain.ParseAddress(getHeader(msg.Payload.Headers, "From"))
		email.FromName = from.Name
		email.FromAddress = from.Address
		email.To = emaildomain.ParseAddressList(getHeader(msg.Payload.Headers, "To"))

		text, html := extractBodies(msg.Payload)
		email.TextBody = text
		email.HTMLBody = html
	}

	// The Date header wins when parseable; the provider's internal date is
	// the fallback.
	dateHeader := ""
	if msg.Payload != nil {
		dateHeader = getHeader(msg.Payload.Headers, "Date")
	}
	if parsed, err := mail.ParseDate(dateHeader); err == nil {
		email.Date = parsed
	} else {
		email.Date = time.Unix(msg.InternalDate/1000, 0)
	}

	switch {
	case email.TextBody != "":
		email.Body = email.TextBody
	case email.HTMLBody != "":
		email.Body = email.HTMLBody
	default:
		email.Body = msg.Snippet
	}

	email.Normalize()
	return email
}

// extractBodies flattens the MIME tree, collecting the first text/plain and
// text/html bodies found.
func extractBodies(payload *gmail.MessagePart) (text, html string) {
	if payload.Body != nil && payload.Body.Data != "" {
		decoded := decodeBody(payload.Body.Data)
		if payload.MimeType == "text/html" {
			html = decoded
		} else {
			text = decoded
		}
	}

	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				switch part.MimeType {
				case "text/plain":
					if text == "" {
						text = decodeBody(part.Body.Data)
					}
				case "text/html":
					if html == "" {
						html = decodeBody(part.Body.Data)
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)
	return text, html
}

// decodeBody handles base64url with a plain base64 fallback; some providers
// mix encodings across parts.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			dec := new(mime.WordDecoder)
			decoded, err := dec.DecodeHeader(header.Value)
			if err != nil {
				return header.Value
			}
			return decoded
		}
	}
	return ""
}

func folderFromLabels(labels []string) string {
	priority := []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}
	for _, p := range priority {
		for _, label := range labels {
			if label == p {
				return strings.ToLower(p)
			}
		}
	}
	return "inbox"
}

func flagsFromLabels(labels []string) []string {
	var flags []string
	unread := false
	for _, label := range labels {
		switch label {
		case "UNREAD":
			unread = true
		case "STARRED":
			flags = append(flags, "\\Flagged")
		}
	}
	if !unread {
		flags = append(flags, "\\Seen")
	}
	return flags
}
