package repository

import (
	"errors"
	"strings"
	"time"

	accountdomain "onebox-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountRepository defines data access for mail accounts
type AccountRepository interface {
	Create(account *accountdomain.MailAccount) error
	FindByID(id string) (*accountdomain.MailAccount, error)
	FindByUserAndEmail(userID, email string) (*accountdomain.MailAccount, error)
	FindByEmail(email string) (*accountdomain.MailAccount, error)
	ListByUser(userID string) ([]*accountdomain.MailAccount, error)
	ListActive() ([]*accountdomain.MailAccount, error)
	ListAll() ([]*accountdomain.MailAccount, error)
	Update(account *accountdomain.MailAccount) error
	UpdateSyncStatus(id string, status accountdomain.SyncStatus) error
	TouchLastSync(id string) error
	SetPrimary(userID, accountID string) error
	Delete(id string) error
	DeleteByUser(userID string) error
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(account *accountdomain.MailAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.Email = strings.ToLower(account.Email)
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()

	// First account for a user always becomes primary.
	return r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&accountdomain.MailAccount{}).Where("user_id = ?", account.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			account.IsPrimary = true
		}
		return tx.Create(account).Error
	})
}

func (r *accountRepository) FindByID(id string) (*accountdomain.MailAccount, error) {
	var account accountdomain.MailAccount
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByUserAndEmail(userID, email string) (*accountdomain.MailAccount, error) {
	var account accountdomain.MailAccount
	err := r.db.Where("user_id = ? AND email = ?", userID, strings.ToLower(email)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByEmail(email string) (*accountdomain.MailAccount, error) {
	var account accountdomain.MailAccount
	err := r.db.Where("email = ?", strings.ToLower(email)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ListByUser(userID string) ([]*accountdomain.MailAccount, error) {
	var accounts []*accountdomain.MailAccount
	err := r.db.Where("user_id = ?", userID).Order("created_at asc").Find(&accounts).Error
	return accounts, err
}

// ListActive returns the accounts the supervisor should run workers for.
func (r *accountRepository) ListActive() ([]*accountdomain.MailAccount, error) {
	var accounts []*accountdomain.MailAccount
	err := r.db.
		Where("is_active = ? AND sync_status <> ?", true, accountdomain.SyncStatusDisconnected).
		Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) ListAll() ([]*accountdomain.MailAccount, error) {
	var accounts []*accountdomain.MailAccount
	err := r.db.Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) Update(account *accountdomain.MailAccount) error {
	account.UpdatedAt = time.Now()
	return r.db.Save(account).Error
}

func (r *accountRepository) UpdateSyncStatus(id string, status accountdomain.SyncStatus) error {
	return r.db.Model(&accountdomain.MailAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"sync_status": status, "updated_at": time.Now()}).Error
}

func (r *accountRepository) TouchLastSync(id string) error {
	now := time.Now()
	return r.db.Model(&accountdomain.MailAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_sync_at": &now, "sync_status": accountdomain.SyncStatusIdle, "updated_at": now}).Error
}

// SetPrimary flips the primary designation inside one transaction so at most
// one account per user carries it.
func (r *accountRepository) SetPrimary(userID, accountID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&accountdomain.MailAccount{}).
			Where("user_id = ?", userID).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		return tx.Model(&accountdomain.MailAccount{}).
			Where("id = ? AND user_id = ?", accountID, userID).
			Update("is_primary", true).Error
	})
}

// Delete removes an account. When the deleted account was primary, any
// remaining account of the same user is promoted.
func (r *accountRepository) Delete(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var account accountdomain.MailAccount
		if err := tx.Where("id = ?", id).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if err := tx.Where("id = ?", id).Delete(&accountdomain.MailAccount{}).Error; err != nil {
			return err
		}

		if account.IsPrimary {
			var next accountdomain.MailAccount
			err := tx.Where("user_id = ?", account.UserID).Order("created_at asc").First(&next).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			return tx.Model(&accountdomain.MailAccount{}).
				Where("id = ?", next.ID).
				Update("is_primary", true).Error
		}
		return nil
	})
}

func (r *accountRepository) DeleteByUser(userID string) error {
	return r.db.Where("user_id = ?", userID).Delete(&accountdomain.MailAccount{}).Error
}
