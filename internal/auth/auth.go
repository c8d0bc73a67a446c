// Package auth verifies bearer credentials and resolves them to users.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrAuthDisabled = relayerr.New(relayerr.KindAuth, "auth disabled")
	ErrMissingToken = relayerr.New(relayerr.KindAuth, "missing token")
	ErrInvalidToken = relayerr.New(relayerr.KindAuth, "invalid token")
	ErrInvalidKey   = relayerr.New(relayerr.KindAuth, "invalid api key")
	ErrUserNotFound = relayerr.New(relayerr.KindAuth, "user not found")
	ErrTimeout      = relayerr.New(relayerr.KindAuth, "authentication timed out")
)

// DefaultValidationTimeout bounds a single Authenticate call.
const DefaultValidationTimeout = 5 * time.Second

// Config configures authentication.
type Config struct {
	JWTSecret         string         `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer            string         `yaml:"issuer" json:"issuer"`
	TokenExpiry       time.Duration  `yaml:"token_expiry" json:"token_expiry"`
	ValidationTimeout time.Duration  `yaml:"validation_timeout" json:"validation_timeout"`
	AutoProvision     bool           `yaml:"auto_provision" json:"auto_provision"`
	APIKeys           []APIKeyConfig `yaml:"api_keys" json:"api_keys"`
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key      string `yaml:"key" json:"key"`
	UserID   string `yaml:"user_id" json:"user_id"`
	Username string `yaml:"username" json:"username"`
	Email    string `yaml:"email" json:"email"`
	Name     string `yaml:"name" json:"name"`
}

// TokenVerifier turns a raw credential into the identity it names.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*models.User, error)
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.Issuer, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether any credential type is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key with a constant-time comparison.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matchedUser *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matchedUser = user
		}
	}
	if matchedUser == nil {
		return nil, ErrInvalidKey
	}
	copyUser := *matchedUser
	return &copyUser, nil
}

// Verify accepts either a JWT or a configured API key. Strings that look
// like a JWT are only checked as one.
func (s *Service) Verify(_ context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	if strings.Count(token, ".") == 2 && s.jwt != nil {
		return s.jwt.Validate(token)
	}
	if len(s.apiKeys) > 0 {
		return s.ValidateAPIKey(token)
	}
	return nil, ErrInvalidToken
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:       userID,
			Username: strings.TrimSpace(entry.Username),
			Email:    strings.TrimSpace(entry.Email),
			Name:     strings.TrimSpace(entry.Name),
		}
	}
	return out
}

// Gate authenticates connection attempts: the credential must verify and
// name an existing user within the validation timeout.
type Gate struct {
	verifier      TokenVerifier
	users         storage.UserStore
	timeout       time.Duration
	autoProvision bool
	logger        *slog.Logger
}

// NewGate creates a gate. timeout <= 0 uses DefaultValidationTimeout.
func NewGate(verifier TokenVerifier, users storage.UserStore, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &Gate{
		verifier:      verifier,
		users:         users,
		timeout:       timeout,
		autoProvision: cfg.AutoProvision,
		logger:        logger.With("component", "auth"),
	}
}

type result struct {
	user *models.User
	err  error
}

// Authenticate resolves token to a stored user.
func (g *Gate) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		user, err := g.resolve(ctx, token)
		done <- result{user: user, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			g.logger.Debug("authentication rejected", "error", res.err)
		}
		return res.user, res.err
	case <-ctx.Done():
		g.logger.Warn("authentication timed out", "timeout", g.timeout)
		return nil, ErrTimeout
	}
}

func (g *Gate) resolve(ctx context.Context, token string) (*models.User, error) {
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		if relayerr.KindOf(err) == relayerr.KindAuth {
			return nil, err
		}
		return nil, relayerr.Wrap(relayerr.KindAuth, "verify token", err)
	}
	user, err := g.users.Get(ctx, identity.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, relayerr.Wrap(relayerr.KindAuth, "load user", err)
	}
	if !g.autoProvision {
		return nil, ErrUserNotFound
	}
	now := time.Now()
	identity.CreatedAt, identity.UpdatedAt = now, now
	if err := g.users.Create(ctx, identity); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, relayerr.Wrap(relayerr.KindAuth, "provision user", err)
	}
	g.logger.Info("provisioned user from token", "user_id", identity.ID)
	return g.users.Get(ctx, identity.ID)
}
