package api

import (
	"context"
	"net/http"
	"strconv"

	accountrepo "onebox-backend/internal/account/repository"
	accountusecase "onebox-backend/internal/account/usecase"
	"onebox-backend/internal/email/search"
	emailusecase "onebox-backend/internal/email/usecase"
	syncqueue "onebox-backend/internal/sync"

	"github.com/gin-gonic/gin"
)

// Handler is the thin trigger surface. Session auth lives in front of this
// service; handlers only enqueue or trigger, never run long operations
// inline.
type Handler struct {
	accountRepo accountrepo.AccountRepository
	accounts    *accountusecase.AccountService
	store       *search.Store
	categorizer *emailusecase.Categorizer
	reconciler  *emailusecase.Reconciler
	queue       *syncqueue.Queue
	router      *gin.Engine
}

func NewHandler(accountRepo accountrepo.AccountRepository, accounts *accountusecase.AccountService, store *search.Store, categorizer *emailusecase.Categorizer, reconciler *emailusecase.Reconciler, queue *syncqueue.Queue) *Handler {
	h := &Handler{
		accountRepo: accountRepo,
		accounts:    accounts,
		store:       store,
		categorizer: categorizer,
		reconciler:  reconciler,
		queue:       queue,
		router:      gin.Default(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) Start(addr string) error {
	return h.router.Run(addr)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.health)

	api := h.router.Group("/api")
	{
		api.GET("/emails/search", h.searchEmails)
		api.POST("/categorize", h.triggerCategorization)
		api.POST("/categorize/:id", h.categorizeOne)
		api.POST("/reconcile", h.triggerReconciliation)

		api.GET("/oauth/url", h.oauthURL)
		api.GET("/oauth/callback", h.oauthCallback)

		api.GET("/accounts", h.listAccounts)
		api.POST("/accounts/imap", h.connectIMAP)
		api.DELETE("/accounts/:id", h.deleteAccount)
		api.POST("/accounts/:id/deactivate", h.deactivateAccount)
		api.POST("/accounts/:id/reindex", h.triggerReindex)
	}
}

func (h *Handler) oauthURL(c *gin.Context) {
	state := c.Query("state")
	c.JSON(http.StatusOK, gin.H{"url": h.accounts.AuthURL(state)})
}

// oauthCallback consumes the provider redirect: `code` on success, `error`
// when the user denied the grant.
func (h *Handler) oauthCallback(c *gin.Context) {
	if provErr := c.Query("error"); provErr != "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "authorization denied: " + provErr})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "code is required"})
		return
	}

	account, err := h.accounts.HandleCallback(c.Request.Context(), c.Query("user_id"), code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": account})
}

func (h *Handler) listAccounts(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "user id is required"})
		return
	}

	accounts, err := h.accountRepo.ListByUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to load accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *Handler) connectIMAP(c *gin.Context) {
	var body struct {
		UserID   string `json:"user_id" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Host     string `json:"host" binding:"required"`
		Port     int    `json:"port" binding:"required"`
		Secure   bool   `json:"secure"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	account, err := h.accounts.ConnectIMAP(body.UserID, body.Email, body.Host, body.Port, body.Secure, body.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "account": account})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if err := h.accounts.Delete(userID, c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "account deleted"})
}

func (h *Handler) deactivateAccount(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if err := h.accounts.Deactivate(userID, c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "account deactivated"})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"queue_available": h.queue.Available(),
	})
}

// allowedAccountIDs resolves the caller's account scope. The upstream auth
// layer injects the user id; an unknown user yields an empty scope, which
// every read treats as an empty result.
func (h *Handler) allowedAccountIDs(c *gin.Context) ([]string, bool) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "user id is required"})
		return nil, false
	}

	accounts, err := h.accountRepo.ListByUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to load accounts"})
		return nil, false
	}

	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	return ids, true
}

func (h *Handler) searchEmails(c *gin.Context) {
	allowed, ok := h.allowedAccountIDs(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.store.Search(
		c.Request.Context(),
		c.Query("q"),
		search.SearchFilters{
			Account:  c.Query("account"),
			Folder:   c.Query("folder"),
			Category: c.Query("category"),
		},
		allowed,
		page,
		limit,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "search failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) triggerCategorization(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	// An empty body means "categorize everything uncategorized".
	_ = c.ShouldBindJSON(&body)

	if _, err := h.categorizer.Trigger(body.IDs); err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "categorization started"})
}

func (h *Handler) categorizeOne(c *gin.Context) {
	result, err := h.categorizer.CategorizeByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) triggerReconciliation(c *gin.Context) {
	go func() {
		_, _ = h.reconciler.RunOnce(context.Background())
	}()
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "reconciliation started"})
}

func (h *Handler) triggerReindex(c *gin.Context) {
	accountID := c.Param("id")
	deleteExisting := c.Query("delete_existing") == "true"

	account, err := h.accountRepo.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to load account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "account not found"})
		return
	}

	if err := h.queue.EnqueueReindexAll(accountID, deleteExisting); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "sync queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "reindex enqueued"})
}
