package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assistant-relay/cmd/gateway/internal/middleware"
	"assistant-relay/infra/storage"
)

type PaymentHandler struct {
	billing Billing
	users   UserStore
	cache   Cache
	log     *zap.Logger
}

// NewPaymentHandler accepts nil billing (Stripe not configured), users and cache.
func NewPaymentHandler(b Billing, users UserStore, cache Cache, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{billing: b, users: users, cache: cache, log: log}
}

func (h *PaymentHandler) CreateCheckoutSession(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
		return
	}
	if h.billing == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stripe checkout failed"})
		return
	}

	url, err := h.billing.CreateCheckoutSession(c.Request.Context(), id.ID, id.Email)
	if err != nil {
		h.log.Error("stripe checkout failed", zap.Uint("user_id", id.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stripe checkout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Webhook verifies a Stripe event against the raw body and activates the
// subscription of a completed checkout.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	if h.billing == nil {
		c.String(http.StatusBadRequest, "Webhook Error: billing not configured")
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	ev, err := h.billing.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.log.Warn("stripe webhook rejected", zap.Error(err))
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	if ev.CheckoutCompleted() {
		if h.users == nil {
			h.log.Error("checkout completed but user store unavailable", zap.String("event", ev.ID))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "User store unavailable"})
			return
		}
		ctx := c.Request.Context()
		if err := h.users.SetSubscription(ctx, ev.UserID, storage.SubscriptionActive, ev.CustomerID); err != nil {
			h.log.Error("record subscription failed", zap.Uint("user_id", ev.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record subscription"})
			return
		}
		if h.cache != nil {
			if err := h.cache.Delete(ctx, userCacheKey(ev.UserID)); err != nil {
				h.log.Warn("invalidate cached user failed", zap.Uint("user_id", ev.UserID), zap.Error(err))
			}
		}
		h.log.Info("subscription activated", zap.Uint("user_id", ev.UserID), zap.String("event", ev.ID))
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
