package trading

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/ksred/pocketmoney-api/pkg/response"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type orderBody struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// GinHandlers contains HTTP handlers for order and account endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order and account endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// BuyHandler handles POST /orders/buy
func (h *GinHandlers) BuyHandler() gin.HandlerFunc {
	return h.orderHandler(types.SideBuy)
}

// SellHandler handles POST /orders/sell
func (h *GinHandlers) SellHandler() gin.HandlerFunc {
	return h.orderHandler(types.SideSell)
}

// orderHandler places an order for the authenticated user. An optional
// Idempotency-Key header is honoured under the client key policy.
func (h *GinHandlers) orderHandler(side types.Side) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var body orderBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Handle(c, nil, newTradeError(ReasonValidation,
				"Send a symbol and a whole number quantity", err).
				with("field", "body").
				with("rule", "json"))
			return
		}

		result, err := h.service.PlaceOrder(c.Request.Context(), types.OrderRequest{
			OwnerID:        userID,
			Symbol:         body.Symbol,
			Side:           side,
			Quantity:       body.Quantity,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		})
		response.Handle(c, result, err)
	}
}

// OpenAccountHandler handles POST /account
func (h *GinHandlers) OpenAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		account, _, err := h.service.OpenAccount(c.Request.Context(), userID)
		response.Handle(c, account, err)
	}
}

// GetAccountHandler handles GET /account
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		account, err := h.service.GetAccount(c.Request.Context(), userID)
		response.Handle(c, account, err)
	}
}

// ListTransactionsHandler handles GET /transactions?limit=N
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		txs, err := h.service.ListTransactions(c.Request.Context(), userID, limit)
		response.Handle(c, txs, err)
	}
}
