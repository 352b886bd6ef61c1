package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assistant-relay/cmd/gateway/internal/middleware"
	"assistant-relay/infra/storage"
)

type AuthHandler struct {
	users  UserStore
	tokens TokenIssuer
	cache  Cache
	log    *zap.Logger
}

// NewAuthHandler accepts a nil users (database down) and a nil cache.
func NewAuthHandler(users UserStore, tokens TokenIssuer, cache Cache, log *zap.Logger) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, cache: cache, log: log}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID                 uint   `json:"id"`
	Email              string `json:"email"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

func userCacheKey(id uint) string { return fmt.Sprintf("user:%d", id) }

func (h *AuthHandler) Register(c *gin.Context) {
	req, ok := h.bindCredentials(c)
	if !ok {
		return
	}

	user, err := h.users.CreateUser(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, storage.ErrUserAlreadyExists) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User already exists"})
		return
	}
	if err != nil {
		h.log.Error("register failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration failed"})
		return
	}
	h.respondWithToken(c, user)
}

func (h *AuthHandler) Login(c *gin.Context) {
	req, ok := h.bindCredentials(c)
	if !ok {
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, storage.ErrUserNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		h.log.Error("login lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	if !user.CheckPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	h.respondWithToken(c, user)
}

// Me returns the caller's account, through the cache when one is configured.
func (h *AuthHandler) Me(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
		return
	}
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "User store unavailable"})
		return
	}

	ctx := c.Request.Context()
	load := func() ([]byte, error) {
		user, err := h.users.GetUserByID(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(userView{ID: user.ID, Email: user.Email, SubscriptionStatus: user.SubscriptionStatus})
	}

	var (
		raw []byte
		err error
	)
	if h.cache != nil {
		raw, err = h.cache.GetWithProtection(ctx, userCacheKey(id.ID), load)
	} else {
		raw, err = load()
	}
	if errors.Is(err, storage.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		h.log.Error("load user failed", zap.Uint("user_id", id.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}

	var view userView
	if err := json.Unmarshal(raw, &view); err != nil {
		h.log.Error("decode cached user failed", zap.Uint("user_id", id.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": view})
}

func (h *AuthHandler) bindCredentials(c *gin.Context) (credentials, bool) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "User store unavailable"})
		return credentials{}, false
	}
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password required"})
		return credentials{}, false
	}
	return req, true
}

func (h *AuthHandler) respondWithToken(c *gin.Context, user *storage.User) {
	token, _, err := h.tokens.Issue(user.ID, user.Email)
	if err != nil {
		h.log.Error("issue token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  userView{ID: user.ID, Email: user.Email},
	})
}
