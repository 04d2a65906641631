package repository

import (
	emaildomain "onebox-backend/internal/email/domain"
)

// IngestResult reports what a batch write actually did. InsertedIDs keeps
// index-order correspondence with the rows that were newly inserted.
type IngestResult struct {
	Indexed     int      `json:"indexed"`
	Skipped     int      `json:"skipped"`
	InsertedIDs []string `json:"-"`
}

// EmailRepository is the authoritative store for messages. Re-ingesting the
// same (account_id, uid) is a no-op and never duplicates recipient rows.
type EmailRepository interface {
	UpsertMessages(msgs []*emaildomain.Email) (*IngestResult, error)
	GetByID(id string) (*emaildomain.Email, error)
	GetByIDs(ids []string) ([]*emaildomain.Email, error)
	ListByAccounts(allowedAccountIDs []string, folder string, limit, offset int) ([]*emaildomain.Email, int64, error)
	ListUncategorizedIDs(limit int) ([]string, error)
	UpdateCategory(id string, category emaildomain.Category) error
	BulkUpdateCategories(categories map[string]emaildomain.Category) error
	CountByAccount(accountID string) (int64, error)
	ListIDsByAccount(accountID string, cap int) ([]string, error)
	DeleteByAccount(accountID string) error
}
