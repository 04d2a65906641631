package repository

import (
	"errors"
	"fmt"
	"strings"

	emaildomain "onebox-backend/internal/email/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// emailRepository implements EmailRepository on the shared gorm pool.
type emailRepository struct {
	db *gorm.DB
}

func NewEmailRepository(db *gorm.DB) EmailRepository {
	return &emailRepository{db: db}
}

// UpsertMessages inserts a batch inside one transaction. Conflicts on
// (account_id, uid) are counted as skipped; recipients are appended only for
// rows that were actually inserted. Any other SQL error rolls the whole
// batch back.
func (r *emailRepository) UpsertMessages(msgs []*emaildomain.Email) (*IngestResult, error) {
	result := &IngestResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		for _, msg := range msgs {
			msg.Normalize()

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "uid"}},
				DoNothing: true,
			}).Create(msg)
			if res.Error != nil {
				return fmt.Errorf("%w: %v", emaildomain.ErrStorageFailure, res.Error)
			}

			if res.RowsAffected == 0 {
				result.Skipped++
				continue
			}

			result.Indexed++
			result.InsertedIDs = append(result.InsertedIDs, msg.ID)

			for _, addr := range msg.To {
				recipient := &emaildomain.Recipient{
					EmailID:       msg.ID,
					RecipientType: emaildomain.RecipientTo,
					Name:          addr.Name,
					Address:       addr.Address,
				}
				if err := tx.Create(recipient).Error; err != nil {
					return fmt.Errorf("%w: %v", emaildomain.ErrStorageFailure, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *emailRepository) GetByID(id string) (*emaildomain.Email, error) {
	var email emaildomain.Email
	err := r.db.Where("id = ?", id).First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r.loadRecipients(&email)
	return &email, nil
}

func (r *emailRepository) GetByIDs(ids []string) ([]*emaildomain.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var emails []*emaildomain.Email
	if err := r.db.Where("id IN ?", ids).Find(&emails).Error; err != nil {
		return nil, err
	}
	for _, e := range emails {
		r.loadRecipients(e)
	}
	return emails, nil
}

// ListByAccounts is fenced by the caller's allowed account-id set: an empty
// set yields an empty result without touching storage.
func (r *emailRepository) ListByAccounts(allowedAccountIDs []string, folder string, limit, offset int) ([]*emaildomain.Email, int64, error) {
	if len(allowedAccountIDs) == 0 {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = 20
	}

	query := r.db.Model(&emaildomain.Email{}).Where("account_id IN ?", allowedAccountIDs)
	if folder != "" {
		query = query.Where("folder = ?", strings.ToLower(folder))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var emails []*emaildomain.Email
	err := query.Order("date desc").Limit(limit).Offset(offset).Find(&emails).Error
	if err != nil {
		return nil, 0, err
	}
	return emails, total, nil
}

func (r *emailRepository) ListUncategorizedIDs(limit int) ([]string, error) {
	var ids []string
	query := r.db.Model(&emaildomain.Email{}).Where("category IS NULL").Order("date desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("id", &ids).Error
	return ids, err
}

func (r *emailRepository) UpdateCategory(id string, category emaildomain.Category) error {
	return r.db.Model(&emaildomain.Email{}).Where("id = ?", id).Update("category", string(category)).Error
}

// BulkUpdateCategories runs one transaction per call; categorizer batches
// are small so per-id UPDATEs inside it are fine.
func (r *emailRepository) BulkUpdateCategories(categories map[string]emaildomain.Category) error {
	if len(categories) == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		for id, category := range categories {
			if err := tx.Model(&emaildomain.Email{}).Where("id = ?", id).Update("category", string(category)).Error; err != nil {
				return fmt.Errorf("%w: %v", emaildomain.ErrStorageFailure, err)
			}
		}
		return nil
	})
}

func (r *emailRepository) CountByAccount(accountID string) (int64, error) {
	var count int64
	err := r.db.Model(&emaildomain.Email{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}

func (r *emailRepository) ListIDsByAccount(accountID string, cap int) ([]string, error) {
	var ids []string
	query := r.db.Model(&emaildomain.Email{}).Where("account_id = ?", accountID).Order("date desc")
	if cap > 0 {
		query = query.Limit(cap)
	}
	err := query.Pluck("id", &ids).Error
	return ids, err
}

func (r *emailRepository) DeleteByAccount(accountID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email_id IN (?)",
			tx.Model(&emaildomain.Email{}).Select("id").Where("account_id = ?", accountID),
		).Delete(&emaildomain.Recipient{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", accountID).Delete(&emaildomain.Email{}).Error
	})
}

func (r *emailRepository) loadRecipients(email *emaildomain.Email) {
	var recipients []emaildomain.Recipient
	if err := r.db.Where("email_id = ?", email.ID).Find(&recipients).Error; err != nil {
		return
	}
	for _, rec := range recipients {
		if rec.RecipientType == emaildomain.RecipientTo {
			email.To = append(email.To, emaildomain.Address{Name: rec.Name, Address: rec.Address})
		}
	}
}
