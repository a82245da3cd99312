// Package auth verifies the credentials carried by a client's Auth envelope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when the username/secret pair is rejected.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator decides whether secret proves the identity username.
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret string) error
}

// Mode names an authenticator implementation.
const (
	ModeNone   = "none"
	ModeStatic = "static"
	ModeJWT    = "jwt"
)

// Config selects and parameterizes the authenticator.
type Config struct {
	Mode string
	// Users maps username to bcrypt hash (static mode).
	Users map[string]string
	// JWTSecretEnv names the environment variable holding the HMAC key (jwt mode).
	JWTSecretEnv string
}

// New builds the authenticator for cfg.Mode.
func New(cfg Config) (Authenticator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeNone:
		return AllowAll{}, nil
	case ModeStatic:
		return NewStatic(cfg.Users)
	case ModeJWT:
		if cfg.JWTSecretEnv == "" {
			return nil, errors.New("auth: jwt_secret_env is required in jwt mode")
		}
		secret := strings.TrimSpace(getenv(cfg.JWTSecretEnv))
		if secret == "" {
			return nil, fmt.Errorf("auth: jwt secret env %s is empty", cfg.JWTSecretEnv)
		}
		return NewJWT([]byte(secret)), nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
}

// split out for testing.
var getenv = os.Getenv

// AllowAll accepts any non-empty username without checking the secret.
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, username, _ string) error {
	if username == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// Static checks passwords against a fixed table of bcrypt hashes.
type Static struct {
	hashes map[string][]byte
}

func NewStatic(users map[string]string) (*Static, error) {
	if len(users) == 0 {
		return nil, errors.New("auth: static mode needs at least one user")
	}
	hashes := make(map[string][]byte, len(users))
	for name, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth: user %s: %w", name, err)
		}
		hashes[name] = []byte(hash)
	}
	return &Static{hashes: hashes}, nil
}

func (s *Static) Authenticate(_ context.Context, username, secret string) error {
	hash, ok := s.hashes[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// JWT accepts an HMAC-signed token whose subject equals the claimed username.
type JWT struct {
	key    []byte
	parser *jwt.Parser
}

func NewJWT(key []byte) *JWT {
	return &JWT{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

func (j *JWT) Authenticate(_ context.Context, username, secret string) error {
	if username == "" || secret == "" {
		return ErrInvalidCredentials
	}
	var claims jwt.RegisteredClaims
	_, err := j.parser.ParseWithClaims(secret, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.Subject != username {
		return fmt.Errorf("%w: subject mismatch", ErrInvalidCredentials)
	}
	return nil
}
