package model

import "time"

// TokenKind is the single purpose a token grants.
type TokenKind string

const (
	TokenKindUpload   TokenKind = "upload"
	TokenKindDownload TokenKind = "download"
)

func (k TokenKind) Valid() bool {
	return k == TokenKindUpload || k == TokenKindDownload
}

// InvalidReason explains why a token cannot be used. The empty value means the token is valid.
type InvalidReason string

const (
	ReasonNone      InvalidReason = ""
	ReasonExpired   InvalidReason = "expired"
	ReasonExhausted InvalidReason = "exhausted"
	ReasonRevoked   InvalidReason = "revoked"
	ReasonNotFound  InvalidReason = "not_found"
)

// Token is an opaque, scoped, expiring capability for one subject.
type Token struct {
	ID            string    `json:"id"`
	Kind          TokenKind `json:"kind"`
	SubjectID     string    `json:"subject_id"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	MaxUses       int       `json:"max_uses"`
	UsesRemaining int       `json:"uses_remaining"`
	Revoked       bool      `json:"revoked"`
}

// InvalidReason derives validity from the token's own fields only.
// Expiry is checked first so an expired token always reports expired.
func (t Token) InvalidReason(now time.Time) InvalidReason {
	switch {
	case now.After(t.ExpiresAt):
		return ReasonExpired
	case t.Revoked:
		return ReasonRevoked
	case t.UsesRemaining <= 0:
		return ReasonExhausted
	default:
		return ReasonNone
	}
}

func (t Token) ValidAt(now time.Time) bool {
	return t.InvalidReason(now) == ReasonNone
}
