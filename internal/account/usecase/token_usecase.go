package usecase

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	accountdomain "onebox-backend/internal/account/domain"
	"onebox-backend/internal/account/repository"
	emaildomain "onebox-backend/internal/email/domain"
	"onebox-backend/pkg/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// refreshBuffer: tokens expiring within this window are refreshed before use.
	refreshBuffer = 5 * time.Minute
	// cacheTTL bounds how long a cached access token is trusted without a DB read.
	cacheTTL = 55 * time.Minute

	userinfoEndpoint = "https://www.googleapis.com/oauth2/v2/userinfo"

	scopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"

	tokenShardCount = 32
)

// ScopeCheck reports what the granted scope set allows.
type ScopeCheck struct {
	HasFullAccess bool     `json:"has_full_access"`
	Scopes        []string `json:"scopes"`
}

// TokenService is the credential store: it owns the token rows, an
// in-process cache and the refresh path. All mutation for a given email is
// serialized through a per-email lock so concurrent callers trigger at most
// one provider refresh.
type TokenService interface {
	GetValidAccessToken(ctx context.Context, accountEmail string) (string, error)
	ForceRefresh(ctx context.Context, accountEmail string) (string, error)
	StoreTokens(email string, tokens *accountdomain.OAuthTokens) error
	UpdateTokens(email string, updates map[string]interface{}) error
	DeleteTokens(email string) error
	IsExpired(email string) (bool, error)
	CheckScopes(email string) (*ScopeCheck, error)
	ValidateTokens(ctx context.Context, email string) (bool, error)
}

type cachedToken struct {
	accessToken string
	tokenExpiry time.Time
	cachedAt    time.Time
}

type tokenShard struct {
	mu    sync.Mutex
	cache map[string]*cachedToken
}

type tokenService struct {
	tokenRepo   repository.TokenRepository
	accountRepo repository.AccountRepository
	oauthConfig *oauth2.Config
	userinfoURL string
	httpClient  *http.Client
	shards      [tokenShardCount]*tokenShard
}

func NewTokenService(tokenRepo repository.TokenRepository, accountRepo repository.AccountRepository, cfg *config.Config) TokenService {
	s := &tokenService{
		tokenRepo:   tokenRepo,
		accountRepo: accountRepo,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURI,
			Endpoint:     google.Endpoint,
		},
		userinfoURL: userinfoEndpoint,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for i := range s.shards {
		s.shards[i] = &tokenShard{cache: make(map[string]*cachedToken)}
	}
	return s
}

func (s *tokenService) shardFor(email string) *tokenShard {
	h := fnv.New32a()
	h.Write([]byte(email))
	return s.shards[h.Sum32()%tokenShardCount]
}

// GetValidAccessToken returns an access token with at least five minutes of
// remaining lifetime, refreshing transparently when the stored one is inside
// the refresh window.
func (s *tokenService) GetValidAccessToken(ctx context.Context, accountEmail string) (string, error) {
	email := strings.ToLower(accountEmail)
	shard := s.shardFor(email)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	if cached, ok := shard.cache[email]; ok {
		if now.Sub(cached.cachedAt) < cacheTTL && cached.tokenExpiry.After(now.Add(refreshBuffer)) {
			return cached.accessToken, nil
		}
		delete(shard.cache, email)
	}

	tokens, err := s.tokenRepo.Find(email)
	if err != nil {
		return "", fmt.Errorf("failed to load tokens for %s: %w", email, err)
	}
	if tokens == nil {
		return "", emaildomain.WithKind(emaildomain.KindNotFound, fmt.Errorf("no tokens stored for %s", email))
	}

	if tokens.TokenExpiry.After(now.Add(refreshBuffer)) {
		shard.cache[email] = &cachedToken{
			accessToken: tokens.AccessToken,
			tokenExpiry: tokens.TokenExpiry,
			cachedAt:    now,
		}
		if err := s.tokenRepo.TouchLastUsed(email); err != nil {
			log.Printf("[TokenService] Failed to touch last_used for %s: %v", email, err)
		}
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		return "", emaildomain.ErrNoRefreshToken
	}

	refreshed, err := s.refresh(ctx, tokens)
	if err != nil {
		// Any refresh failure invalidates the cache entry for this email.
		delete(shard.cache, email)
		return "", err
	}

	shard.cache[email] = &cachedToken{
		accessToken: refreshed.AccessToken,
		tokenExpiry: refreshed.TokenExpiry,
		cachedAt:    now,
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh drops the cache entry and exchanges the refresh token
// immediately, regardless of the stored expiry. Used by ingestion workers
// after a provider-side 401.
func (s *tokenService) ForceRefresh(ctx context.Context, accountEmail string) (string, error) {
	email := strings.ToLower(accountEmail)
	shard := s.shardFor(email)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.cache, email)

	tokens, err := s.tokenRepo.Find(email)
	if err != nil {
		return "", fmt.Errorf("failed to load tokens for %s: %w", email, err)
	}
	if tokens == nil {
		return "", emaildomain.WithKind(emaildomain.KindNotFound, fmt.Errorf("no tokens stored for %s", email))
	}
	if tokens.RefreshToken == "" {
		return "", emaildomain.ErrNoRefreshToken
	}

	refreshed, err := s.refresh(ctx, tokens)
	if err != nil {
		return "", err
	}
	shard.cache[email] = &cachedToken{
		accessToken: refreshed.AccessToken,
		tokenExpiry: refreshed.TokenExpiry,
		cachedAt:    time.Now(),
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges the refresh token and persists the result. Callers hold
// the shard lock for this email.
func (s *tokenService) refresh(ctx context.Context, tokens *accountdomain.OAuthTokens) (*accountdomain.OAuthTokens, error) {
	src := s.oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tokens.RefreshToken,
	})

	fresh, err := src.Token()
	if err != nil {
		log.Printf("[TokenService] Refresh failed for %s: %v", tokens.Email, err)
		return nil, fmt.Errorf("%w: %v", emaildomain.ErrProviderRefused, err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"access_token": fresh.AccessToken,
		"token_expiry": fresh.Expiry,
		"last_used":    &now,
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != tokens.RefreshToken {
		updates["refresh_token"] = fresh.RefreshToken
	}
	if err := s.tokenRepo.Update(tokens.Email, updates); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens for %s: %w", tokens.Email, err)
	}

	tokens.AccessToken = fresh.AccessToken
	tokens.TokenExpiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		tokens.RefreshToken = fresh.RefreshToken
	}
	log.Printf("[TokenService] Refreshed access token for %s (expires %s)", tokens.Email, fresh.Expiry.Format(time.RFC3339))
	return tokens, nil
}

func (s *tokenService) StoreTokens(email string, tokens *accountdomain.OAuthTokens) error {
	email = strings.ToLower(email)
	tokens.Email = email

	shard := s.shardFor(email)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.cache, email)
	return s.tokenRepo.Store(tokens)
}

func (s *tokenService) UpdateTokens(email string, updates map[string]interface{}) error {
	email = strings.ToLower(email)

	shard := s.shardFor(email)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.cache, email)
	return s.tokenRepo.Update(email, updates)
}

func (s *tokenService) DeleteTokens(email string) error {
	email = strings.ToLower(email)

	shard := s.shardFor(email)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.cache, email)
	return s.tokenRepo.Delete(email)
}

func (s *tokenService) IsExpired(email string) (bool, error) {
	tokens, err := s.tokenRepo.Find(email)
	if err != nil {
		return false, err
	}
	if tokens == nil {
		return true, nil
	}
	return !tokens.TokenExpiry.After(time.Now().Add(refreshBuffer)), nil
}

func (s *tokenService) CheckScopes(email string) (*ScopeCheck, error) {
	tokens, err := s.tokenRepo.Find(email)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return &ScopeCheck{}, nil
	}

	scopes := tokens.Scopes()
	check := &ScopeCheck{Scopes: scopes}
	for _, scope := range scopes {
		if scope == scopeGmailReadonly || strings.HasPrefix(scope, "https://mail.google.com/") {
			check.HasFullAccess = true
			break
		}
	}
	return check, nil
}

// ValidateTokens probes the provider's userinfo endpoint. A 401 means the
// grant is gone: tokens are deleted and the account marked disconnected so
// the supervisor stops its worker.
func (s *tokenService) ValidateTokens(ctx context.Context, email string) (bool, error) {
	token, err := s.GetValidAccessToken(ctx, email)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, emaildomain.WithKind(emaildomain.KindTransientIO, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized:
		log.Printf("[TokenService] Userinfo probe returned 401 for %s, self-healing", email)
		if err := s.DeleteTokens(email); err != nil {
			log.Printf("[TokenService] Failed to delete tokens for %s: %v", email, err)
		}
		if account, findErr := s.accountRepo.FindByEmail(email); findErr == nil && account != nil {
			if err := s.accountRepo.UpdateSyncStatus(account.ID, accountdomain.SyncStatusDisconnected); err != nil {
				log.Printf("[TokenService] Failed to mark account %s disconnected: %v", account.ID, err)
			}
		}
		return false, nil
	default:
		return false, emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("userinfo probe returned %d", resp.StatusCode))
	}
}
