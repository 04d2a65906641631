package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category is the closed set of labels the categorizer can assign.
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
)

// ValidCategory reports whether c is one of the five known labels.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryInterested, CategoryMeetingBooked, CategoryNotInterested, CategorySpam, CategoryOutOfOffice:
		return true
	}
	return false
}

// Address is a parsed mailbox: display name plus address.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Email is the canonical message shape shared by both ingestor variants,
// the row store and the search store.
type Email struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	AccountID    string    `json:"account_id" gorm:"uniqueIndex:idx_account_uid;not null;index"`
	AccountEmail string    `json:"account_email" gorm:"-"`
	Folder       string    `json:"folder" gorm:"index"`
	Subject      string    `json:"subject"`
	FromName     string    `json:"from_name"`
	FromAddress  string    `json:"from_address"`
	To           []Address `json:"to" gorm:"-"`
	Date         time.Time `json:"date" gorm:"index"`
	Body         string    `json:"body"`
	TextBody     string    `json:"text_body"`
	HTMLBody     string    `json:"html_body"`
	Flags        Strings   `json:"flags" gorm:"type:jsonb"`
	Category     *Category `json:"category,omitempty" gorm:"type:varchar(32)"`
	UID          string    `json:"uid" gorm:"uniqueIndex:idx_account_uid;not null;column:uid"`
	IngestedAt   time.Time `json:"ingested_at"`
}

func (Email) TableName() string { return "emails" }

// Recipient is a child row of emails; one per parsed to/cc/bcc mailbox.
type Recipient struct {
	ID            uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	EmailID       string `json:"-" gorm:"index;not null"`
	RecipientType string `json:"recipient_type" gorm:"type:varchar(8);not null"`
	Name          string `json:"name"`
	Address       string `json:"address"`
}

func (Recipient) TableName() string { return "email_recipients" }

const (
	RecipientTo  = "to"
	RecipientCC  = "cc"
	RecipientBCC = "bcc"
)

// MessageID builds the synthetic id shared across both stores.
// URL-safe because the account email is bounded and provider UIDs are
// alphanumeric.
func MessageID(accountEmail, uid string) string {
	return fmt.Sprintf("%s_%s", accountEmail, uid)
}

// Normalize applies the canonicalization rules every ingested message must
// satisfy before it reaches the write coordinator.
func (e *Email) Normalize() {
	e.Folder = strings.ToLower(e.Folder)
	if strings.TrimSpace(e.Subject) == "" {
		e.Subject = "(No Subject)"
	}
	if e.ID == "" {
		e.ID = MessageID(e.AccountEmail, e.UID)
	}
	if e.Body == "" {
		if e.TextBody != "" {
			e.Body = e.TextBody
		} else if e.HTMLBody != "" {
			e.Body = e.HTMLBody
		}
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now()
	}
}

// ParseAddress accepts `"Name" <addr>`, `Name <addr>` and bare addresses.
func ParseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}

	if open := strings.LastIndex(raw, "<"); open >= 0 {
		if close := strings.LastIndex(raw, ">"); close > open {
			name := strings.TrimSpace(raw[:open])
			name = strings.Trim(name, `"`)
			return Address{
				Name:    name,
				Address: strings.TrimSpace(raw[open+1 : close]),
			}
		}
	}
	return Address{Address: raw}
}

// ParseAddressList splits a comma-separated header value into addresses,
// respecting quoted display names that may themselves contain commas.
func ParseAddressList(raw string) []Address {
	var out []Address
	var current strings.Builder
	inQuotes := false

	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			if part := strings.TrimSpace(current.String()); part != "" {
				out = append(out, ParseAddress(part))
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if part := strings.TrimSpace(current.String()); part != "" {
		out = append(out, ParseAddress(part))
	}
	return out
}
