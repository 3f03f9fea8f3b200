package services

import (
	"errors"
	"fmt"
	"time"

	"camlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrJIDNotAllowed = errors.New("jid not allowed")
)

// TokenService issues and validates the bearer credentials clients present
// when connecting to the relay. The signaling core on the client side never
// inspects these; only the relay boundary does.
type TokenService interface {
	Issue(jid domain.Address) (string, error)
	Validate(tokenString string) (domain.Address, error)
}

// Claims carries the authenticated JID.
type Claims struct {
	JID string `json:"jid"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret  []byte
	ttl     time.Duration
	allowed map[string]struct{}
}

// NewTokenService builds a TokenService allowing only the listed bare JIDs.
func NewTokenService(secret string, ttl time.Duration, allowedJIDs []string) TokenService {
	allowed := make(map[string]struct{}, len(allowedJIDs))
	for _, jid := range allowedJIDs {
		allowed[domain.Address(jid).Bare()] = struct{}{}
	}
	return &tokenService{
		secret:  []byte(secret),
		ttl:     ttl,
		allowed: allowed,
	}
}

func (s *tokenService) Issue(jid domain.Address) (string, error) {
	if _, ok := s.allowed[jid.Bare()]; !ok {
		return "", fmt.Errorf("%w: %s", ErrJIDNotAllowed, jid.Bare())
	}

	now := time.Now()
	claims := &Claims{
		JID: string(jid),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) Validate(tokenString string) (domain.Address, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.JID == "" {
		return "", ErrInvalidToken
	}
	return domain.Address(claims.JID), nil
}
