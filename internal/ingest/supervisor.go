package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	accountdomain "onebox-backend/internal/account/domain"
	accountrepo "onebox-backend/internal/account/repository"
	accountusecase "onebox-backend/internal/account/usecase"
	emaildomain "onebox-backend/internal/email/domain"
	emailusecase "onebox-backend/internal/email/usecase"
	"onebox-backend/pkg/config"
	"onebox-backend/pkg/gmail"
)

// stableAfter resets the restart backoff once a worker has run this long.
const stableAfter = time.Minute

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns one ingestion worker per (user, account) and the restart
// policy around it.
type Supervisor struct {
	deps workerDeps

	mu      sync.Mutex
	workers map[string]*workerHandle
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSupervisor(accountRepo accountrepo.AccountRepository, tokens accountusecase.TokenService, ingestSvc *emailusecase.IngestService, gmailSvc *gmail.Service, cfg *config.Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps: workerDeps{
			accountRepo: accountRepo,
			tokens:      tokens,
			ingest:      ingestSvc,
			gmailSvc:    gmailSvc,
			encryption:  cfg.EncryptionKey,
			syncWindow:  time.Duration(cfg.SyncWindowDays) * 24 * time.Hour,
		},
		workers: make(map[string]*workerHandle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func workerKey(userID, accountID string) string {
	return userID + "/" + accountID
}

// Start boots one worker for every active, connected account.
func (s *Supervisor) Start() error {
	accounts, err := s.deps.accountRepo.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list active accounts: %w", err)
	}

	log.Printf("[Supervisor] Starting %d account workers", len(accounts))
	for _, account := range accounts {
		s.AddAccount(account)
	}
	return nil
}

// Stop signals every worker and waits for their acknowledgements.
func (s *Supervisor) Stop() {
	log.Printf("[Supervisor] Stopping")
	s.cancel()

	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[string]*workerHandle)
	s.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
	log.Printf("[Supervisor] Stopped")
}

// AddAccount starts (or restarts) the worker for an account.
func (s *Supervisor) AddAccount(account *accountdomain.MailAccount) {
	key := workerKey(account.UserID, account.ID)

	s.mu.Lock()
	if existing, ok := s.workers[key]; ok {
		existing.cancel()
		<-existing.done
	}

	ctx, cancel := context.WithCancel(s.ctx)
	handle := &workerHandle{cancel: cancel, done: make(chan struct{})}
	s.workers[key] = handle
	s.mu.Unlock()

	go s.supervise(ctx, account, handle)
}

// RemoveAccount stops the worker for an account and waits for it to exit.
func (s *Supervisor) RemoveAccount(userID, accountID string) {
	key := workerKey(userID, accountID)

	s.mu.Lock()
	handle, ok := s.workers[key]
	if ok {
		delete(s.workers, key)
	}
	s.mu.Unlock()

	if ok {
		handle.cancel()
		<-handle.done
		log.Printf("[Supervisor] Worker %s removed", key)
	}
}

// Running reports whether a worker exists for the pair.
func (s *Supervisor) Running(userID, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[workerKey(userID, accountID)]
	return ok
}

// supervise runs the worker in a restart loop. Retriable exits restart with
// exponential backoff that resets after a stable minute; non-retriable exits
// mark the account errored and stop until the user reconnects.
func (s *Supervisor) supervise(ctx context.Context, account *accountdomain.MailAccount, handle *workerHandle) {
	defer close(handle.done)

	key := workerKey(account.UserID, account.ID)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		worker, err := newWorker(account, s.deps)
		if err != nil {
			log.Printf("[Supervisor] Cannot build worker %s: %v", key, err)
			s.markErrored(account.ID)
			return
		}

		started := time.Now()
		err = worker.run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean exit without cancellation; treat as transient.
			err = fmt.Errorf("worker %s exited unexpectedly", key)
		}

		if !emaildomain.Retriable(err) {
			log.Printf("[Supervisor] Worker %s failed permanently: %v", key, err)
			s.markErrored(account.ID)
			return
		}

		if time.Since(started) >= stableAfter {
			attempt = 0
		}
		delay := restartDelay(attempt)
		attempt++
		log.Printf("[Supervisor] Worker %s exited (%v), restarting in %s", key, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// Reload the account so config and credential changes take effect
		// on restart.
		fresh, loadErr := s.deps.accountRepo.FindByID(account.ID)
		if loadErr != nil || fresh == nil {
			log.Printf("[Supervisor] Account %s gone, stopping worker", account.ID)
			return
		}
		if !fresh.IsActive || fresh.SyncStatus == accountdomain.SyncStatusDisconnected {
			log.Printf("[Supervisor] Account %s no longer eligible, stopping worker", account.ID)
			return
		}
		account = fresh
	}
}

func (s *Supervisor) markErrored(accountID string) {
	if err := s.deps.accountRepo.UpdateSyncStatus(accountID, accountdomain.SyncStatusError); err != nil {
		log.Printf("[Supervisor] Failed to mark account %s errored: %v", accountID, err)
	}
}
