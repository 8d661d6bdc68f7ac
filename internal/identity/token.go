package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobchat/internal/chat"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by bearer tokens from the marketplace's auth service.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier turns HS256 bearer tokens into participants and keeps the
// Directory roster in sync with what the tokens claim.
type TokenVerifier struct {
	secret []byte
	dir    *Directory
	now    func() time.Time
}

func NewTokenVerifier(secret string, dir *Directory) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity.token_secret is required")
	}
	return &TokenVerifier{secret: []byte(secret), dir: dir, now: time.Now}, nil
}

// Verify parses raw and returns the participant it identifies.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (chat.Participant, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return chat.Participant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return chat.Participant{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := chat.Participant{ID: claims.Subject, DisplayName: claims.Name, Role: chat.Role(claims.Role)}
	if v.dir == nil {
		return p, nil
	}
	if err := v.dir.Upsert(p); err != nil {
		return chat.Participant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return v.dir.Lookup(ctx, p.ID)
}

// Issue signs a token for p. Used by tooling and tests; production tokens
// come from the auth service.
func (v *TokenVerifier) Issue(p chat.Participant, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name: p.DisplayName,
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
