package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
)

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProxyRoutes sets up the metered LLM endpoints. r must already run
// auth.Middleware.
func (h *Handler) RegisterProxyRoutes(r *gin.RouterGroup) {
	r.POST("/chat/completions", h.service.Proxy)
	r.POST("/responses", h.service.Proxy)
	r.POST("/messages", h.service.Proxy)
	r.POST("/images/generations", h.service.Proxy)
	r.POST("/audio/speech", h.service.Proxy)
	r.POST("/audio/transcriptions", h.service.Proxy)
}

// RegisterGeminiRoutes sets up the native Gemini endpoints, which carry the
// model and action in the path ("models/gemini-2.0-flash:generateContent").
func (h *Handler) RegisterGeminiRoutes(r *gin.RouterGroup) {
	r.POST("/models/*action", h.service.Proxy)
}

// RegisterAccountRoutes sets up key-authenticated account endpoints.
func (h *Handler) RegisterAccountRoutes(r *gin.RouterGroup) {
	r.GET("/balance", auth.RequireCaller(), h.GetBalance)
	r.GET("/transactions", auth.RequireCaller(), h.ListTransactions)
	r.GET("/models", h.ListModels)
}

// GetBalance handles GET /v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	caller, _ := auth.GetCaller(c)
	acct, err := h.service.settlement.Account(c.Request.Context(), caller)
	if err != nil {
		h.service.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ListTransactions handles GET /v1/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	caller, _ := auth.GetCaller(c)
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.service.writeError(c, apierr.NewValidation("limit must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.service.settlement.Transactions(c.Request.Context(), caller, limit, c.Query("cursor"))
	if err != nil {
		h.service.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"nextCursor":   page.NextCursor,
	})
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c *gin.Context) {
	table := h.service.settlement.Table()
	models := table.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		price, _ := table.PriceOf(m)
		data = append(data, gin.H{"id": m, "object": "model", "owned_by": price.Provider})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
