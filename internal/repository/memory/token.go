// Package memory implements the repository contracts in process memory. It
// backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sync"
	"time"

	"datagate/internal/apperror"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// TokenRepository keeps tokens in a map. Redeem holds the write lock across
// check and decrement, so redemptions are serialized.
type TokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]model.Token
}

func NewTokenRepository() *TokenRepository {
	return &TokenRepository{tokens: make(map[string]model.Token)}
}

var _ repository.TokenRepository = (*TokenRepository)(nil)

func (r *TokenRepository) Create(_ context.Context, t model.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID] = t
	return nil
}

func (r *TokenRepository) Get(_ context.Context, id string) (*model.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, apperror.NotFound("token", id)
	}
	return &t, nil
}

func (r *TokenRepository) Redeem(_ context.Context, id string, now time.Time) (*model.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, apperror.InvalidToken(id, string(model.ReasonNotFound))
	}
	if reason := t.InvalidReason(now); reason != model.ReasonNone {
		return nil, apperror.InvalidToken(id, string(reason))
	}
	t.UsesRemaining--
	r.tokens[id] = t
	return &t, nil
}

func (r *TokenRepository) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		t.Revoked = true
		r.tokens[id] = t
	}
	return nil
}

func (r *TokenRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.ExpiresAt.Before(before) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}
