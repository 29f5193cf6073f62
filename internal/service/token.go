package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/logging"
	"datagate/internal/metrics"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// tokenBytes is the entropy of a token id before base64url encoding.
const tokenBytes = 32

// Validation is the read-only verdict on a token. Token is set whenever the
// token exists, even if it is no longer valid.
type Validation struct {
	Valid  bool
	Reason model.InvalidReason
	Token  *model.Token
}

// TokenService mints and checks single-purpose access tokens.
type TokenService interface {
	// Issue mints a token with ttl > 0 and maxUses >= 1.
	Issue(ctx context.Context, kind model.TokenKind, subjectID string, ttl time.Duration, maxUses int) (*model.Token, error)

	IssueUploadToken(ctx context.Context, datasetID string, ttl time.Duration) (*model.Token, error)
	IssueDownloadToken(ctx context.Context, subjectID string, ttl time.Duration) (*model.Token, error)

	// Validate never mutates the token.
	Validate(ctx context.Context, id string) (Validation, error)

	// Redeem consumes one use, failing with apperror InvalidToken when the token
	// is unusable at the instant of redemption.
	Redeem(ctx context.Context, id string) (*model.Token, error)

	// Revoke is idempotent and never fails for unknown, expired or revoked tokens.
	Revoke(ctx context.Context, id string) error

	// PurgeExpired deletes records that expired more than grace ago.
	PurgeExpired(ctx context.Context, grace time.Duration) (int64, error)
}

type TokenOptions struct {
	// DownloadMaxUses bounds IssueDownloadToken tokens. Upload tokens are single-use.
	DownloadMaxUses int
}

type tokenService struct {
	repo    repository.TokenRepository
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Core
	opts    TokenOptions
	newID   func() (string, error)
}

func NewTokenService(repo repository.TokenRepository, clk clock.Clock, log *zap.Logger, m *metrics.Core, opts TokenOptions) TokenService {
	if clk == nil {
		clk = clock.New()
	}
	if opts.DownloadMaxUses < 1 {
		opts.DownloadMaxUses = 1
	}
	return &tokenService{
		repo:    repo,
		clock:   clk,
		log:     logging.Component(log, "token_store"),
		metrics: m,
		opts:    opts,
		newID:   randomTokenID,
	}
}

func randomTokenID() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *tokenService) Issue(ctx context.Context, kind model.TokenKind, subjectID string, ttl time.Duration, maxUses int) (*model.Token, error) {
	switch {
	case !kind.Valid():
		return nil, apperror.InvalidArgument(fmt.Sprintf("unknown token kind %q", kind))
	case subjectID == "":
		return nil, apperror.InvalidArgument("subject id is required")
	case ttl <= 0:
		return nil, apperror.InvalidArgument("ttl must be positive")
	case maxUses < 1:
		return nil, apperror.InvalidArgument("max uses must be at least 1")
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	now := s.clock.Now().UTC()
	t := model.Token{
		ID:            id,
		Kind:          kind,
		SubjectID:     subjectID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		MaxUses:       maxUses,
		UsesRemaining: maxUses,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.metrics.TokenIssued(string(kind))
	s.log.Info("token issued",
		zap.String("kind", string(kind)),
		zap.String("subject_id", subjectID),
		zap.Time("expires_at", t.ExpiresAt),
		zap.Int("max_uses", maxUses),
	)
	return &t, nil
}

func (s *tokenService) IssueUploadToken(ctx context.Context, datasetID string, ttl time.Duration) (*model.Token, error) {
	return s.Issue(ctx, model.TokenKindUpload, datasetID, ttl, 1)
}

func (s *tokenService) IssueDownloadToken(ctx context.Context, subjectID string, ttl time.Duration) (*model.Token, error) {
	return s.Issue(ctx, model.TokenKindDownload, subjectID, ttl, s.opts.DownloadMaxUses)
}

func (s *tokenService) Validate(ctx context.Context, id string) (Validation, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Validation{Reason: model.ReasonNotFound}, nil
		}
		return Validation{}, fmt.Errorf("load token: %w", err)
	}
	reason := t.InvalidReason(s.clock.Now())
	return Validation{Valid: reason == model.ReasonNone, Reason: reason, Token: t}, nil
}

func (s *tokenService) Redeem(ctx context.Context, id string) (*model.Token, error) {
	t, err := s.repo.Redeem(ctx, id, s.clock.Now())
	if err != nil {
		if errors.Is(err, apperror.ErrInvalidToken) {
			s.metrics.TokenRedeemed(apperror.ReasonOf(err))
			return nil, err
		}
		return nil, fmt.Errorf("redeem token: %w", err)
	}
	s.metrics.TokenRedeemed("ok")
	return t, nil
}

func (s *tokenService) Revoke(ctx context.Context, id string) error {
	if err := s.repo.Revoke(ctx, id); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.log.Info("token revoked")
	return nil
}

func (s *tokenService) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.clock.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	if n > 0 {
		s.log.Info("expired tokens purged", zap.Int64("count", n))
	}
	return n, nil
}
