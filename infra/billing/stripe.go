// Package billing wraps the Stripe calls behind the subscription checkout.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const eventCheckoutCompleted = "checkout.session.completed"

var ErrNoCheckoutURL = errors.New("billing: checkout session has no url")

type Config struct {
	SecretKey     string
	PriceID       string
	WebhookSecret string
	FrontendURL   string
	// Backends overrides the Stripe API endpoints, for tests.
	Backends *stripe.Backends
}

type Service struct {
	api *client.API
	cfg Config
}

func New(cfg Config) *Service {
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return &Service{api: client.New(cfg.SecretKey, cfg.Backends), cfg: cfg}
}

// CreateCheckoutSession starts a subscription checkout for one user and
// returns the hosted checkout URL. The user id travels as the client
// reference so the webhook can find the user again.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID uint, email string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(s.cfg.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(s.cfg.FrontendURL + "/success"),
		CancelURL:         stripe.String(s.cfg.FrontendURL + "/billing"),
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(userID), 10)),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return "", ErrNoCheckoutURL
	}
	return sess.URL, nil
}

// WebhookEvent is the part of a verified Stripe event the gateway acts on.
type WebhookEvent struct {
	ID   string
	Type string
	// Set only for a completed checkout.
	UserID     uint
	CustomerID string
}

// CheckoutCompleted reports whether the event activates a subscription.
func (e WebhookEvent) CheckoutCompleted() bool {
	return e.Type == eventCheckoutCompleted && e.UserID != 0
}

// ParseWebhook verifies the Stripe-Signature header against the raw body.
func (s *Service) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, err
	}

	out := WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	if out.Type != eventCheckoutCompleted || ev.Data == nil {
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return out, fmt.Errorf("decode checkout session: %w", err)
	}
	if id, err := strconv.ParseUint(cs.ClientReferenceID, 10, 64); err == nil {
		out.UserID = uint(id)
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	return out, nil
}
