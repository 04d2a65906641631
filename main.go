package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	api "onebox-backend/cmd/api"
	accountdomain "onebox-backend/internal/account/domain"
	accountRepo "onebox-backend/internal/account/repository"
	accountUsecase "onebox-backend/internal/account/usecase"
	authdomain "onebox-backend/internal/auth/domain"
	authRepo "onebox-backend/internal/auth/repository"
	emaildomain "onebox-backend/internal/email/domain"
	emailRepo "onebox-backend/internal/email/repository"
	"onebox-backend/internal/email/search"
	emailUsecase "onebox-backend/internal/email/usecase"
	"onebox-backend/internal/ingest"
	"onebox-backend/internal/notification"
	syncqueue "onebox-backend/internal/sync"
	"onebox-backend/pkg/config"
	"onebox-backend/pkg/database"
	"onebox-backend/pkg/gmail"
	"onebox-backend/pkg/llm"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Initialize row store
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&authdomain.User{}, &accountdomain.MailAccount{}, &accountdomain.OAuthTokens{}, &emaildomain.Email{}, &emaildomain.Recipient{}); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	// Initialize search store
	store, err := search.NewStore(cfg.SearchStoreURL)
	if err != nil {
		log.Fatal("Failed to create search store client: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatal("Failed to prepare search indexes: ", err)
	}

	// Initialize repositories (dependency injection)
	userRepository := authRepo.NewUserRepository(db)
	accountRepository := accountRepo.NewAccountRepository(db)
	tokenRepository := accountRepo.NewTokenRepository(db)
	emailRepository := emailRepo.NewEmailRepository(db)

	// Initialize sync queue; a missing broker disables it and the write
	// path falls back to direct indexing.
	queue := syncqueue.NewQueue(cfg)
	defer queue.Close()

	worker := syncqueue.NewWorker(queue, emailRepository, store, cfg)
	if err := worker.Start(); err != nil {
		log.Fatal("Failed to start sync worker: ", err)
	}
	defer worker.Shutdown()

	// Initialize services
	tokenService := accountUsecase.NewTokenService(tokenRepository, accountRepository, cfg)
	accountService := accountUsecase.NewAccountService(userRepository, accountRepository, tokenService, cfg)
	ingestService := emailUsecase.NewIngestService(emailRepository, store, queue)
	notifier := notification.NewService(cfg.SlackWebhookURL, cfg.GenericWebhookURL)
	llmClient := llm.NewClient(cfg.LLMAPIKey, cfg.LLMModel)

	categorizer := emailUsecase.NewCategorizer(emailRepository, ingestService, llmClient, notifier, cfg.CategorizerBatchSize, cfg.CategorizerBatchDelay)
	categorizer.Start(ctx)

	reconciler := emailUsecase.NewReconciler(accountRepository, worker, queue, cfg.ReconciliationInterval)
	if cfg.AutoStartReconciliation {
		reconciler.Start(ctx)
	}

	// Initialize the ingestion supervisor: one worker per active account
	gmailService := gmail.NewService()
	supervisor := ingest.NewSupervisor(accountRepository, tokenService, ingestService, gmailService, cfg)
	accountService.SetWorkerRegistry(supervisor)
	if err := supervisor.Start(); err != nil {
		log.Fatal("Failed to start supervisor: ", err)
	}

	// Propagate shutdown to every long-lived component
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received %s, shutting down", sig)
		cancel()
		supervisor.Stop()
		worker.Shutdown()
		os.Exit(0)
	}()

	// Initialize HTTP trigger surface
	handler := api.NewHandler(accountRepository, accountService, store, categorizer, reconciler, queue)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
