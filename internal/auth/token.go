// Package auth issues and verifies signed identity tokens and provides the
// password hashing capability. Tokens are HS256 JWTs carrying the user ID,
// username, and a token type; a single symmetric secret signs both access
// and refresh tokens.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, badly signed, expired, or
// wrong-typed tokens. Callers must not distinguish the causes to the client.
var ErrInvalidToken = errors.New("invalid token")

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the statements embedded in every identity token. The subject
// (RegisteredClaims.Subject) holds the decimal user ID.
type Claims struct {
	jwt.RegisteredClaims
	Username  string    `json:"username"`
	TokenType TokenType `json:"token_type"`
}

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenService issues and verifies identity tokens.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenService creates a token service signing with the given symmetric secret.
func NewTokenService(secret []byte, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssuePair mints an access token and a refresh token for the user.
func (s *TokenService) IssuePair(userID int64, username string) (*TokenPair, error) {
	access, err := s.issue(userID, username, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(userID, username, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) issue(userID int64, username string, typ TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  username,
		TokenType: typ,
	})
	return token.SignedString(s.secret)
}

// VerifyAccess decodes the token, checks signature and expiry, and returns
// the subject user ID. Refresh tokens are rejected: only access tokens are
// valid bearer credentials on protected routes.
func (s *TokenService) VerifyAccess(tokenString string) (int64, error) {
	claims, err := s.verify(tokenString)
	if err != nil {
		return 0, err
	}
	if claims.TokenType != TokenTypeAccess {
		return 0, ErrInvalidToken
	}
	return parseSubject(claims)
}

// VerifyRefresh decodes the token, checks signature and expiry, and returns
// the subject user ID. Only refresh tokens pass.
func (s *TokenService) VerifyRefresh(tokenString string) (int64, error) {
	claims, err := s.verify(tokenString)
	if err != nil {
		return 0, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return 0, ErrInvalidToken
	}
	return parseSubject(claims)
}

func (s *TokenService) verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func parseSubject(claims *Claims) (int64, error) {
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}
