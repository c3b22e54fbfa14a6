package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/admin"
	"github.com/fixci/relay/analysis"
	"github.com/fixci/relay/meter"
)

// HandleFailure accepts a verified failure event and runs it through the
// analysis pipeline. Denied, duplicate and unavailable outcomes are 200s:
// the caller has nothing to retry.
func (s *Server) HandleFailure(c *gin.Context) {
	var ev analysis.FailureEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	out, err := s.analysis.Handle(c.Request.Context(), ev)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Billing event types accepted from the payment processor.
const (
	BillingSubscriptionCreated   = "subscription.created"
	BillingSubscriptionCancelled = "subscription.cancelled"
	BillingPaymentSucceeded      = "payment.succeeded"
	BillingPaymentFailed         = "payment.failed"
)

type billingEventRequest struct {
	Type           string          `json:"type" binding:"required"`
	AccountID      string          `json:"account_id" binding:"required"`
	Tier           relay.Tier      `json:"tier"`
	SubscriptionID string          `json:"subscription_id"`
	InvoiceID      string          `json:"invoice_id"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
}

// HandleBillingEvent applies a verified payment-processor notification.
func (s *Server) HandleBillingEvent(c *gin.Context) {
	var req billingEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Type {
	case BillingSubscriptionCreated:
		if !req.Tier.Valid() {
			AbortWithError(c, fmt.Errorf("%w: %q", relay.ErrInvalidTier, string(req.Tier)))
			return
		}
		_, err = s.ledger.SubscriptionCreated(ctx, req.AccountID, req.Tier, req.SubscriptionID)
	case BillingSubscriptionCancelled:
		_, err = s.ledger.SubscriptionCancelled(ctx, req.AccountID, req.SubscriptionID)
	case BillingPaymentSucceeded:
		_, err = s.ledger.PaymentSucceeded(ctx, req.AccountID, req.AmountUSD, req.InvoiceID)
	case BillingPaymentFailed:
		_, err = s.ledger.PaymentFailed(ctx, req.AccountID, req.InvoiceID)
	default:
		// Unknown types are acknowledged so the processor stops redelivering.
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "handled": true})
}

type grantRequest struct {
	AccountID string     `json:"account_id" binding:"required"`
	Tier      relay.Tier `json:"tier" binding:"required"`
	Reason    string     `json:"reason"`
}

func (s *Server) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ch, err := s.admin.Grant(c.Request.Context(), req.AccountID, req.Tier, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

type statusRequest struct {
	AccountID string       `json:"account_id" binding:"required"`
	Status    relay.Status `json:"status" binding:"required"`
	Reason    string       `json:"reason"`
}

func (s *Server) SetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ch, err := s.admin.SetStatus(c.Request.Context(), req.AccountID, req.Status, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

type resetRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) ResetUsage(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ch, err := s.admin.ResetUsage(c.Request.Context(), req.AccountID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

type revokeRequest struct {
	AccountID string             `json:"account_id" binding:"required"`
	Action    admin.RevokeAction `json:"action"`
	Reason    string             `json:"reason"`
}

func (s *Server) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ch, err := s.admin.Revoke(c.Request.Context(), req.AccountID, req.Action, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	page, err := s.admin.List(c.Request.Context(), admin.ListRequest{
		Tier:   relay.Tier(c.Query("tier")),
		Status: relay.Status(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) SubscriptionDetails(c *gin.Context) {
	d, err := s.admin.Details(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) Stats(c *gin.Context) {
	st, err := s.admin.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ProviderStats reports per-backend dispatch aggregates since startup
// and the current circuit state of each backend.
func (s *Server) ProviderStats(c *gin.Context) {
	stats := []meter.ProviderStats{}
	if s.stats != nil {
		stats = s.stats.Snapshot()
	}
	health := map[string]relay.HealthState{}
	if s.health != nil {
		health = s.health.BackendHealth()
	}
	c.JSON(http.StatusOK, gin.H{"providers": stats, "health": health})
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", relay.ErrInvalidRequest, key)
	}
	return n, nil
}
