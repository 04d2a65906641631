package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	accountdomain "onebox-backend/internal/account/domain"
	"onebox-backend/internal/account/repository"
	authdomain "onebox-backend/internal/auth/domain"
	authrepo "onebox-backend/internal/auth/repository"
	"onebox-backend/pkg/config"
	"onebox-backend/pkg/crypto"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// WorkerRegistry is how account lifecycle changes reach the ingestion
// supervisor. Implemented by ingest.Supervisor.
type WorkerRegistry interface {
	AddAccount(account *accountdomain.MailAccount)
	RemoveAccount(userID, accountID string)
}

// AccountService manages mail-account lifecycle: OAuth connection, IMAP
// connection, disconnection and deletion.
type AccountService struct {
	userRepo    authrepo.UserRepository
	accountRepo repository.AccountRepository
	tokens      TokenService
	registry    WorkerRegistry
	oauthConfig *oauth2.Config
	userinfoURL string
	encryption  string
}

func NewAccountService(userRepo authrepo.UserRepository, accountRepo repository.AccountRepository, tokens TokenService, cfg *config.Config) *AccountService {
	return &AccountService{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		tokens:      tokens,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURI,
			Scopes:       oauthScopes,
			Endpoint:     google.Endpoint,
		},
		userinfoURL: userinfoEndpoint,
		encryption:  cfg.EncryptionKey,
	}
}

// SetWorkerRegistry wires the supervisor after construction (the supervisor
// depends on repositories this service also owns).
func (s *AccountService) SetWorkerRegistry(registry WorkerRegistry) {
	s.registry = registry
}

// AuthURL builds the authorization-code URL. Offline access with a consent
// prompt so reconnects always return a refresh token.
func (s *AccountService) AuthURL(state string) string {
	return s.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// HandleCallback consumes the authorization code: exchanges it, resolves the
// mailbox email from userinfo, stores the token set and creates (or
// reconnects) the matching account.
func (s *AccountService) HandleCallback(ctx context.Context, userID, code string) (*accountdomain.MailAccount, error) {
	token, err := s.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	email, err := s.fetchUserinfoEmail(ctx, token)
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(email)

	user, err := s.resolveUser(userID, email)
	if err != nil {
		return nil, err
	}

	scope := ""
	if extra := token.Extra("scope"); extra != nil {
		if str, ok := extra.(string); ok {
			scope = str
		}
	}
	if err := s.tokens.StoreTokens(email, &accountdomain.OAuthTokens{
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
		Scope:        scope,
	}); err != nil {
		return nil, err
	}

	account, err := s.accountRepo.FindByUserAndEmail(user.ID, email)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &accountdomain.MailAccount{
			UserID:     user.ID,
			Email:      email,
			AuthType:   accountdomain.AuthTypeOAuth,
			IsActive:   true,
			SyncStatus: accountdomain.SyncStatusIdle,
		}
		if err := s.accountRepo.Create(account); err != nil {
			return nil, err
		}
	} else {
		account.IsActive = true
		account.SyncStatus = accountdomain.SyncStatusIdle
		if err := s.accountRepo.Update(account); err != nil {
			return nil, err
		}
	}

	if s.registry != nil {
		s.registry.AddAccount(account)
	}
	log.Printf("[AccountService] Connected OAuth account %s for user %s", email, user.ID)
	return account, nil
}

// ConnectIMAP creates a password-authenticated account. The password is
// sealed before it touches the row.
func (s *AccountService) ConnectIMAP(userID, email, host string, port int, secure bool, password string) (*accountdomain.MailAccount, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	encrypted, err := crypto.Encrypt(password, s.encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to seal imap password: %w", err)
	}

	email = strings.ToLower(email)
	existing, err := s.accountRepo.FindByUserAndEmail(userID, email)
	if err != nil {
		return nil, err
	}

	imapConfig := &accountdomain.IMAPConfig{
		Host:              host,
		Port:              port,
		Secure:            secure,
		EncryptedPassword: encrypted,
	}

	var account *accountdomain.MailAccount
	if existing != nil {
		existing.AuthType = accountdomain.AuthTypeIMAP
		existing.IMAPConfig = imapConfig
		existing.IsActive = true
		existing.SyncStatus = accountdomain.SyncStatusIdle
		if err := s.accountRepo.Update(existing); err != nil {
			return nil, err
		}
		account = existing
	} else {
		account = &accountdomain.MailAccount{
			UserID:     userID,
			Email:      email,
			AuthType:   accountdomain.AuthTypeIMAP,
			IsActive:   true,
			SyncStatus: accountdomain.SyncStatusIdle,
			IMAPConfig: imapConfig,
		}
		if err := s.accountRepo.Create(account); err != nil {
			return nil, err
		}
	}

	if s.registry != nil {
		s.registry.AddAccount(account)
	}
	log.Printf("[AccountService] Connected IMAP account %s for user %s", email, userID)
	return account, nil
}

// Deactivate stops ingestion for an account without deleting its data.
func (s *AccountService) Deactivate(userID, accountID string) error {
	account, err := s.accountRepo.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.UserID != userID {
		return nil
	}

	if s.registry != nil {
		s.registry.RemoveAccount(userID, accountID)
	}

	account.IsActive = false
	account.SyncStatus = accountdomain.SyncStatusIdle
	return s.accountRepo.Update(account)
}

// Delete removes an account, its worker and its token set. The repository
// promotes another account to primary when needed.
func (s *AccountService) Delete(userID, accountID string) error {
	account, err := s.accountRepo.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.UserID != userID {
		return nil
	}

	if s.registry != nil {
		s.registry.RemoveAccount(userID, accountID)
	}
	if account.AuthType == accountdomain.AuthTypeOAuth {
		if err := s.tokens.DeleteTokens(account.Email); err != nil {
			log.Printf("[AccountService] Failed to delete tokens for %s: %v", account.Email, err)
		}
	}
	return s.accountRepo.Delete(accountID)
}

// resolveUser finds the calling user, or on a first OAuth login creates one
// keyed by the mailbox email. Existing users are never re-created.
func (s *AccountService) resolveUser(userID, email string) (*authdomain.User, error) {
	if userID != "" {
		user, err := s.userRepo.FindByID(userID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("user not found")
		}
		return user, nil
	}

	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user = &authdomain.User{
		Email:    email,
		Provider: authdomain.ProviderOAuth,
		Role:     authdomain.RoleUser,
		IsActive: true,
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, err
	}
	log.Printf("[AccountService] Created user %s on first OAuth login", email)
	return user, nil
}

func (s *AccountService) fetchUserinfoEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := s.oauthConfig.Client(ctx, token)
	client.Timeout = 15 * time.Second

	resp, err := client.Get(s.userinfoURL)
	if err != nil {
		return "", fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response carried no email")
	}
	return info.Email, nil
}
