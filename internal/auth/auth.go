// Package auth turns a bearer credential into the identity the broker serves.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/irc-web-terminal/backend/internal/model"
)

// Resolver maps a credential to an identity. Failures wrap model.ErrUnauthorized.
type Resolver interface {
	Resolve(ctx context.Context, token string) (model.Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, token string) (model.Identity, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, token string) (model.Identity, error) {
	return f(ctx, token)
}

// TokenStore looks up stored tokens.
type TokenStore interface {
	Lookup(ctx context.Context, token string) (model.Identity, error)
}

// TokenResolver resolves tokens against a TokenStore.
type TokenResolver struct {
	store TokenStore
}

// NewTokenResolver creates a TokenResolver.
func NewTokenResolver(store TokenStore) *TokenResolver {
	return &TokenResolver{store: store}
}

// Resolve implements Resolver. Identities that are unsafe to use as a
// directory or tmux session name are rejected.
func (r *TokenResolver) Resolve(ctx context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, fmt.Errorf("%w: missing token", model.ErrUnauthorized)
	}

	id, err := r.store.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrUnauthorized) {
			return model.Identity{}, err
		}
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}

	if err := model.ValidateIdentity(id.Name); err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	return id, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
