package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"research/backend/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

var (
	ErrMissingToken    = errors.New("bearer token is required")
	ErrUnverifiedEmail = errors.New("google account email is not verified")
	ErrForbidden       = errors.New("account is not allowed")
	ErrNoVerifier      = errors.New("no token verifier configured")
)

type Identity struct {
	Subject string
	Email   string
	Name    string
	Issuer  string
}

type googleValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Verifier accepts Google ID tokens for the configured client id and HS256
// service tokens signed with the shared secret. A non-empty allowlist limits
// both to the listed emails.
type Verifier struct {
	googleClientID string
	secret         []byte
	allowed        map[string]struct{}
	validateGoogle googleValidator
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		googleClientID: strings.TrimSpace(cfg.GoogleClientID),
		secret:         []byte(cfg.JWTSecret),
		allowed:        cfg.AllowedEmails,
		validateGoogle: idtoken.Validate,
	}
}

// Configured reports whether any token kind can be verified.
func (v *Verifier) Configured() bool {
	return v.googleClientID != "" || len(v.secret) > 0
}

func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	var (
		identity Identity
		err      error
	)
	switch {
	case len(v.secret) > 0 && signedWithHMAC(token):
		identity, err = v.verifyServiceToken(token)
	case v.googleClientID != "":
		identity, err = v.verifyGoogle(ctx, token)
	default:
		return Identity{}, ErrNoVerifier
	}
	if err != nil {
		return Identity{}, err
	}

	if len(v.allowed) > 0 {
		if _, ok := v.allowed[identity.Email]; !ok {
			return Identity{}, fmt.Errorf("%w: %s", ErrForbidden, identity.Email)
		}
	}
	return identity, nil
}

func signedWithHMAC(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	_, ok := parsed.Method.(*jwt.SigningMethodHMAC)
	return ok
}

type serviceClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyServiceToken(token string) (Identity, error) {
	var claims serviceClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("validate service token: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return Identity{}, errors.New("service token missing email claim")
	}
	return Identity{Subject: claims.Subject, Email: email, Name: strings.TrimSpace(claims.Name), Issuer: claims.Issuer}, nil
}

func (v *Verifier) verifyGoogle(ctx context.Context, token string) (Identity, error) {
	payload, err := v.validateGoogle(ctx, token, v.googleClientID)
	if err != nil {
		return Identity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return Identity{}, errors.New("google token missing email claim")
	}
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return Identity{}, ErrUnverifiedEmail
	}
	name, _ := payload.Claims["name"].(string)

	return Identity{
		Subject: payload.Subject,
		Email:   strings.ToLower(email),
		Name:    strings.TrimSpace(name),
		Issuer:  payload.Issuer,
	}, nil
}

type contextKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(Identity)
	return identity, ok
}
