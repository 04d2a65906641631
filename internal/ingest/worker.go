package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "onebox-backend/internal/account/domain"
	accountrepo "onebox-backend/internal/account/repository"
	accountusecase "onebox-backend/internal/account/usecase"
	emaildomain "onebox-backend/internal/email/domain"
	emailusecase "onebox-backend/internal/email/usecase"
	"onebox-backend/pkg/crypto"
	"onebox-backend/pkg/gmail"
	"onebox-backend/pkg/imap"
)

// gmailPollInterval is how often the OAuth variant polls between cycles.
const gmailPollInterval = time.Minute

// maxRateLimitRetries bounds in-cycle 429 retries before the error escapes
// to the supervisor.
const maxRateLimitRetries = 6

// accountWorker is one ingestion loop for one account. run blocks until the
// context is cancelled or the session dies.
type accountWorker interface {
	run(ctx context.Context) error
}

// workerDeps bundles what both variants need.
type workerDeps struct {
	accountRepo accountrepo.AccountRepository
	tokens      accountusecase.TokenService
	ingest      *emailusecase.IngestService
	gmailSvc    *gmail.Service
	encryption  string
	syncWindow  time.Duration
}

func newWorker(account *accountdomain.MailAccount, deps workerDeps) (accountWorker, error) {
	switch account.AuthType {
	case accountdomain.AuthTypeIMAP:
		if account.IMAPConfig == nil {
			return nil, fmt.Errorf("%w: account %s has no imap config", emaildomain.ErrAuthPermanent, account.ID)
		}
		return &imapWorker{account: account, deps: deps}, nil
	case accountdomain.AuthTypeOAuth:
		return &gmailWorker{account: account, deps: deps}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth type %q", emaildomain.ErrAuthPermanent, account.AuthType)
	}
}

// imapWorker keeps one long-lived IDLE session per account.
type imapWorker struct {
	account *accountdomain.MailAccount
	deps    workerDeps
}

func (w *imapWorker) run(ctx context.Context) error {
	password, err := crypto.Decrypt(w.account.IMAPConfig.EncryptedPassword, w.deps.encryption)
	if err != nil {
		return fmt.Errorf("%w: failed to decrypt imap password: %v", emaildomain.ErrAuthPermanent, err)
	}

	session, err := imap.Dial(imap.Config{
		Host:     w.account.IMAPConfig.Host,
		Port:     w.account.IMAPConfig.Port,
		Secure:   w.account.IMAPConfig.Secure,
		Email:    w.account.Email,
		Password: password,
	}, w.account.ID)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := w.deps.accountRepo.UpdateSyncStatus(w.account.ID, accountdomain.SyncStatusSyncing); err != nil {
		log.Printf("[IMAPWorker] Failed to set syncing status for %s: %v", w.account.ID, err)
	}

	since := time.Now().Add(-w.deps.syncWindow)
	count, err := session.InitialSync(since, w.ingestBatch(ctx))
	if err != nil {
		return err
	}
	log.Printf("[IMAPWorker] Initial sync for %s: %d messages", w.account.Email, count)

	if err := w.deps.accountRepo.TouchLastSync(w.account.ID); err != nil {
		log.Printf("[IMAPWorker] Failed to touch last sync for %s: %v", w.account.ID, err)
	}

	// IDLE loop: block until the server pushes, fetch the newest message,
	// repeat. Live pushes are always ingested regardless of the window.
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		newMail, err := session.Idle(stop)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if !newMail {
			continue
		}

		if err := session.FetchNewest(w.ingestBatch(ctx)); err != nil {
			return err
		}
		if err := w.deps.accountRepo.TouchLastSync(w.account.ID); err != nil {
			log.Printf("[IMAPWorker] Failed to touch last sync for %s: %v", w.account.ID, err)
		}
	}
}

func (w *imapWorker) ingestBatch(ctx context.Context) imap.BatchFunc {
	return func(msgs []*emaildomain.Email) error {
		outcome, err := w.deps.ingest.Ingest(ctx, msgs)
		if err != nil {
			return err
		}
		log.Printf("[IMAPWorker] %s: indexed=%d skipped=%d source=%s", w.account.Email, outcome.Indexed, outcome.Skipped, outcome.Source)
		return nil
	}
}

// gmailWorker polls the REST API on an interval.
type gmailWorker struct {
	account *accountdomain.MailAccount
	deps    workerDeps
}

func (w *gmailWorker) run(ctx context.Context) error {
	for {
		if err := w.pollOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(gmailPollInterval):
		}
	}
}

// pollOnce runs one fetch cycle with 401-refresh-once and 429-backoff
// handling.
func (w *gmailWorker) pollOnce(ctx context.Context) error {
	token, err := w.deps.tokens.GetValidAccessToken(ctx, w.account.Email)
	if err != nil {
		return w.translateAuthFailure(err)
	}

	since := time.Now().Add(-w.deps.syncWindow)
	if w.account.LastSyncAt != nil && w.account.LastSyncAt.After(since) {
		// Small overlap so messages landing mid-cycle are not missed.
		since = w.account.LastSyncAt.Add(-5 * time.Minute)
	}

	refreshed := false
	rateLimitAttempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetched, err := w.deps.gmailSvc.FetchSince(ctx, token, w.account.Email, w.account.ID, since, 0, w.ingestBatch(ctx))
		if err == nil {
			if fetched > 0 {
				log.Printf("[GmailWorker] %s: fetched %d messages", w.account.Email, fetched)
			}
			w.touchLastSync()
			return nil
		}

		switch emaildomain.KindOf(err) {
		case emaildomain.KindAuthExpired:
			// Refresh once; a second auth failure disconnects the account.
			if refreshed {
				if statusErr := w.deps.accountRepo.UpdateSyncStatus(w.account.ID, accountdomain.SyncStatusDisconnected); statusErr != nil {
					log.Printf("[GmailWorker] Failed to mark %s disconnected: %v", w.account.ID, statusErr)
				}
				return fmt.Errorf("%w: token rejected twice for %s", emaildomain.ErrAuthPermanent, w.account.Email)
			}
			refreshed = true
			token, err = w.deps.tokens.ForceRefresh(ctx, w.account.Email)
			if err != nil {
				return w.translateAuthFailure(err)
			}
		case emaildomain.KindRateLimited:
			rateLimitAttempt++
			if rateLimitAttempt > maxRateLimitRetries {
				return err
			}
			delay := rateLimitDelay(rateLimitAttempt - 1)
			log.Printf("[GmailWorker] %s rate limited, backing off %s", w.account.Email, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		default:
			return err
		}
	}
}

// touchLastSync persists the sync mark and advances the in-memory copy so
// the next poll's `since` window is incremental, not the full sync window.
func (w *gmailWorker) touchLastSync() {
	if err := w.deps.accountRepo.TouchLastSync(w.account.ID); err != nil {
		log.Printf("[GmailWorker] Failed to touch last sync for %s: %v", w.account.ID, err)
		return
	}
	now := time.Now()
	w.account.LastSyncAt = &now
}

func (w *gmailWorker) translateAuthFailure(err error) error {
	if errors.Is(err, emaildomain.ErrNoRefreshToken) || errors.Is(err, emaildomain.ErrProviderRefused) {
		if statusErr := w.deps.accountRepo.UpdateSyncStatus(w.account.ID, accountdomain.SyncStatusDisconnected); statusErr != nil {
			log.Printf("[GmailWorker] Failed to mark %s disconnected: %v", w.account.ID, statusErr)
		}
		return fmt.Errorf("%w: %v", emaildomain.ErrAuthPermanent, err)
	}
	return err
}

func (w *gmailWorker) ingestBatch(ctx context.Context) gmail.BatchFunc {
	return func(msgs []*emaildomain.Email) error {
		outcome, err := w.deps.ingest.Ingest(ctx, msgs)
		if err != nil {
			return err
		}
		log.Printf("[GmailWorker] %s: indexed=%d skipped=%d source=%s", w.account.Email, outcome.Indexed, outcome.Skipped, outcome.Source)
		return nil
	}
}
