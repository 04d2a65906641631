package repository

import (
	"errors"
	"strings"
	"time"

	accountdomain "onebox-backend/internal/account/domain"

	"gorm.io/gorm"
)

// TokenRepository defines data access for OAuth token sets
type TokenRepository interface {
	Store(tokens *accountdomain.OAuthTokens) error
	Find(email string) (*accountdomain.OAuthTokens, error)
	Update(email string, updates map[string]interface{}) error
	TouchLastUsed(email string) error
	Delete(email string) error
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

// Store inserts or fully replaces the token set for an email.
func (r *tokenRepository) Store(tokens *accountdomain.OAuthTokens) error {
	tokens.Email = strings.ToLower(tokens.Email)
	if tokens.CreatedAt.IsZero() {
		tokens.CreatedAt = time.Now()
	}
	return r.db.Save(tokens).Error
}

func (r *tokenRepository) Find(email string) (*accountdomain.OAuthTokens, error) {
	var tokens accountdomain.OAuthTokens
	err := r.db.Where("email = ?", strings.ToLower(email)).First(&tokens).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tokens, nil
}

func (r *tokenRepository) Update(email string, updates map[string]interface{}) error {
	return r.db.Model(&accountdomain.OAuthTokens{}).
		Where("email = ?", strings.ToLower(email)).
		Updates(updates).Error
}

func (r *tokenRepository) TouchLastUsed(email string) error {
	now := time.Now()
	return r.Update(email, map[string]interface{}{"last_used": &now})
}

func (r *tokenRepository) Delete(email string) error {
	return r.db.Where("email = ?", strings.ToLower(email)).Delete(&accountdomain.OAuthTokens{}).Error
}
