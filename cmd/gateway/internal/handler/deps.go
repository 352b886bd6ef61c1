package handler

import (
	"context"
	"time"

	"assistant-relay/infra/billing"
	"assistant-relay/infra/storage"
)

// UserStore is implemented by *storage.UserRepository.
type UserStore interface {
	CreateUser(ctx context.Context, email, password string) (*storage.User, error)
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GetUserByID(ctx context.Context, id uint) (*storage.User, error)
	SetSubscription(ctx context.Context, id uint, status, customerID string) error
}

type TokenIssuer interface {
	Issue(userID uint, email string) (string, time.Time, error)
}

// Cache is implemented by *cache.RedisCache.
type Cache interface {
	GetWithProtection(ctx context.Context, key string, loader func() ([]byte, error)) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Billing is implemented by *billing.Service.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, userID uint, email string) (string, error)
	ParseWebhook(payload []byte, signature string) (billing.WebhookEvent, error)
}
