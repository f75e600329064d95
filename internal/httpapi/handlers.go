// Package httpapi holds the HTTP surface. Handlers stay thin: parse and
// validate input, call internal services, map sentinel errors to status
// codes, return JSON.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"callreel/internal/auth"
	"callreel/internal/call"
	"callreel/internal/credit"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth    *auth.Manager
	Credits *credit.Service
	Calls   *call.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues an access token.
//
// NOTE: credential validation happens upstream (the purchase flow is the
// real identity source); this endpoint trades a verified identity for a
// token.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	token, err := h.Auth.Issue(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

// --- Credits ---

// CreateCredit records a paid credit. A payment_ref seen before, on any
// user's credit, answers 409 so payment replays cannot mint extra calls.
func (h Handlers) CreateCredit(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	var req credit.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	cr, err := h.Credits.Create(c.Request.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrDuplicatePayment):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "payment already recorded"})
		case errors.Is(err, credit.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid credit request"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit creation failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, cr)
}

func (h Handlers) GetCreditBalance(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	n, err := h.Credits.Balance(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unused_credits": n})
}

type adminGrantRequest struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// AdminGrantCredit mints a credit without a payment. RBAC: admin.
func (h Handlers) AdminGrantCredit(c *gin.Context) {
	adminUserID, err := auth.UserID(c.Request.Context())
	if err != nil || adminUserID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	cr, err := h.Credits.AdminGrant(c.Request.Context(), req.UserID, adminUserID, req.Reason, req.AmountCents)
	if err != nil {
		if errors.Is(err, credit.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid grant request"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
		return
	}
	c.JSON(http.StatusCreated, cr)
}

// --- Calls ---

// CreateCall consumes one credit and creates the call atomically. No
// unused credit answers 402; the client buys another credit and retries.
func (h Handlers) CreateCall(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	var req call.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	created, err := h.Calls.CreateWithCredit(c.Request.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrNoCreditAvailable):
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "no unused credit available"})
		case errors.Is(err, call.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call request"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call creation failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) GetCall(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	callID := c.Param("call_id")

	got, err := h.Calls.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) || errors.Is(err, call.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	// Calls are user-scoped; existence of other users' calls is not leaked.
	if got.UserID != userID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, got)
}

func (h Handlers) ListCalls(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200"})
			return
		}
		limit = n
	}

	calls, err := h.Calls.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}
