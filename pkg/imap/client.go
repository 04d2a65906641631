package imap

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
)

// fetchBatchSize bounds how many messages one FETCH round-trip carries
// during the initial sync.
const fetchBatchSize = 50

// BatchFunc receives normalized messages in mailbox order.
type BatchFunc func(msgs []*emaildomain.Email) error

// Config describes one IMAP connection.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Email    string
	Password string
}

// Session is a long-lived connection to one mailbox. The INBOX is opened
// read-only so fetching never flips the \Seen flag on the server.
type Session struct {
	cfg       Config
	client    *client.Client
	accountID string
	mailbox   *imap.MailboxStatus
}

// Dial establishes the TLS session, authenticates and opens INBOX read-only.
func Dial(cfg Config, accountID string) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var c *client.Client
	var err error
	if cfg.Secure {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	} else {
		c, err = client.Dial(addr)
		if err == nil {
			if starttlsErr := c.StartTLS(&tls.Config{ServerName: cfg.Host}); starttlsErr != nil {
				c.Logout()
				err = starttlsErr
			}
		}
	}
	if err != nil {
		return nil, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap dial %s: %w", addr, err))
	}

	if err := c.Login(cfg.Email, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: imap login for %s: %v", emaildomain.ErrAuthPermanent, cfg.Email, err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		c.Logout()
		return nil, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap select INBOX: %w", err))
	}

	return &Session{cfg: cfg, client: c, accountID: accountID, mailbox: mbox}, nil
}

// Close logs out; socket errors on the way out are ignored.
func (s *Session) Close() {
	if s.client != nil {
		_ = s.client.Logout()
	}
}

// InitialSync streams every message whose internal date is inside the window,
// oldest first, in batches.
func (s *Session) InitialSync(since time.Time, batchFn BatchFunc) (int, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return 0, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap search: %w", err))
	}
	if len(uids) == 0 {
		return 0, nil
	}

	total := 0
	for start := 0; start < len(uids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}

		msgs, err := s.fetchUIDs(uids[start:end], since)
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			continue
		}
		if err := batchFn(msgs); err != nil {
			return total, err
		}
		total += len(msgs)
	}
	return total, nil
}

// FetchNewest fetches the single most recent message. Live pushes always
// win: no window check is applied here.
func (s *Session) FetchNewest(batchFn BatchFunc) error {
	status, err := s.client.Select("INBOX", true)
	if err != nil {
		return emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap reselect: %w", err))
	}
	if status.Messages == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(status.Messages)

	msgs, err := s.fetchSet(seqset, false, time.Time{})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return batchFn(msgs)
}

// Idle blocks inside IMAP IDLE until the server pushes a mailbox update or
// stop is closed. It returns true when new mail arrived.
func (s *Session) Idle(stop <-chan struct{}) (bool, error) {
	updates := make(chan client.Update, 8)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	done := make(chan error, 1)
	idleStop := make(chan struct{})
	go func() {
		done <- s.client.Idle(idleStop, &client.IdleOptions{LogoutTimeout: 25 * time.Minute})
	}()

	for {
		select {
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				close(idleStop)
				if err := <-done; err != nil {
					return false, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap idle: %w", err))
				}
				return true, nil
			}
		case <-stop:
			close(idleStop)
			<-done
			return false, nil
		case err := <-done:
			if err != nil {
				return false, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap idle: %w", err))
			}
			// Idle returned without an update (server timeout); caller loops.
			return false, nil
		}
	}
}

func (s *Session) fetchUIDs(uids []uint32, since time.Time) ([]*emaildomain.Email, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	return s.fetchSet(seqset, true, since)
}

func (s *Session) fetchSet(seqset *imap.SeqSet, byUID bool, since time.Time) ([]*emaildomain.Email, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, fetchBatchSize)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- s.client.UidFetch(seqset, items, messages)
		} else {
			done <- s.client.Fetch(seqset, items, messages)
		}
	}()

	var out []*emaildomain.Email
	for msg := range messages {
		if !since.IsZero() && msg.InternalDate.Before(since) {
			continue
		}
		email := s.convert(msg, section)
		if email != nil {
			out = append(out, email)
		}
	}
	if err := <-done; err != nil {
		return nil, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("imap fetch: %w", err))
	}
	return out, nil
}

// convert normalizes one fetched message into the canonical shape.
func (s *Session) convert(msg *imap.Message, section *imap.BodySectionName) *emaildomain.Email {
	email := &emaildomain.Email{
		AccountID:    s.accountID,
		AccountEmail: s.cfg.Email,
		UID:          strconv.FormatUint(uint64(msg.Uid), 10),
		Folder:       "inbox",
		Flags:        normalizeFlags(msg.Flags),
	}

	if msg.Envelope != nil {
		email.Subject = msg.Envelope.Subject
		email.Date = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			email.FromName = msg.Envelope.From[0].PersonalName
			email.FromAddress = msg.Envelope.From[0].Address()
		}
		for _, to := range msg.Envelope.To {
			email.To = append(email.To, emaildomain.Address{
				Name:    to.PersonalName,
				Address: to.Address(),
			})
		}
	}
	// The Date header wins when present; the internal date is the fallback.
	if email.Date.IsZero() {
		email.Date = msg.InternalDate
	}

	if body := msg.GetBody(section); body != nil {
		text, html := parseBody(body)
		email.TextBody = text
		email.HTMLBody = html
	}

	email.Normalize()
	return email
}

// parseBody walks the MIME structure collecting the first plain and HTML
// parts.
func parseBody(r io.Reader) (text, html string) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		// Fall back to the raw bytes when the message is not MIME-clean.
		raw, readErr := io.ReadAll(r)
		if readErr != nil {
			return "", ""
		}
		return string(raw), ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[IMAP] Failed to read MIME part: %v", err)
			break
		}

		if header, ok := part.Header.(*gomail.InlineHeader); ok {
			contentType, _, _ := header.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				text = string(content)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(content)
			}
		}
	}
	return text, html
}

// normalizeFlags keeps the flag set as plain strings, dropping the
// go-imap-internal recent marker.
func normalizeFlags(flags []string) []string {
	var out []string
	for _, f := range flags {
		if f == imap.RecentFlag {
			continue
		}
		out = append(out, f)
	}
	return out
}
