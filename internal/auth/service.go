package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dreamphoto/trainer/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

const issuer = "trainer"

type Service interface {
	// Exchange registers the user if needed and returns a bearer token for them.
	Exchange(ctx context.Context, userID int64, username string) (string, error)
	IssueToken(userID int64) (string, error)
	ValidateToken(ctx context.Context, token string) (int64, error)
}

type UserStore interface {
	Upsert(ctx context.Context, id int64, username string) (*models.User, error)
}

type service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(users UserStore, secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{users: users, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) Exchange(ctx context.Context, userID int64, username string) (string, error) {
	if userID <= 0 {
		return "", errors.New("user id must be positive")
	}
	if _, err := s.users.Upsert(ctx, userID, username); err != nil {
		return "", err
	}
	return s.IssueToken(userID)
}

func (s *service) IssueToken(userID int64) (string, error) {
	now := s.now()
	c := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (int64, error) {
	c := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, err
	}
	if !tok.Valid {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}
