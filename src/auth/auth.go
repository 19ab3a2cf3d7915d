package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession means the user is definitely not signed in.
	ErrNoSession = errors.New("no authenticated session")

	// ErrInvalidToken indicates the ID token failed validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Session is the result of a current-session check.
type Session struct {
	SubjectID string
	IDToken   string
}

// UserAttributes are the profile attributes carried by the ID token.
type UserAttributes struct {
	SubjectID  string
	GivenName  string
	FamilyName string
	Email      string
}

// Claims are the ID token claims read by the authenticator.
type Claims struct {
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// TokenSource stores the ID token of the signed-in user.
type TokenSource interface {
	// IDToken returns the stored token, or "" when there is none.
	IDToken(ctx context.Context) (string, error)
	// Revoke forgets the stored token.
	Revoke(ctx context.Context) error
}

// TokenAuthenticator answers session questions from an ID token.
type TokenAuthenticator struct {
	source TokenSource
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenAuthenticator creates an authenticator. With an empty secret the
// token signature is not verified (the backend verifies it on every call);
// expiry is always checked.
func NewTokenAuthenticator(source TokenSource, secret []byte, issuer string) *TokenAuthenticator {
	return &TokenAuthenticator{
		source: source,
		secret: secret,
		issuer: issuer,
		now:    time.Now,
	}
}

// CurrentSession reports the signed-in subject. Missing, expired or invalid
// tokens yield ErrNoSession; failures reading the token source are returned
// as they are.
func (a *TokenAuthenticator) CurrentSession(ctx context.Context) (Session, error) {
	token, claims, err := a.load(ctx)
	if err != nil {
		return Session{}, err
	}
	return Session{SubjectID: claims.Subject, IDToken: token}, nil
}

// UserAttributes returns the profile attributes from the token.
func (a *TokenAuthenticator) UserAttributes(ctx context.Context) (UserAttributes, error) {
	_, claims, err := a.load(ctx)
	if err != nil {
		return UserAttributes{}, err
	}
	return UserAttributes{
		SubjectID:  claims.Subject,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Email:      claims.Email,
	}, nil
}

// IDToken returns the raw stored token for use as a bearer credential.
func (a *TokenAuthenticator) IDToken(ctx context.Context) (string, error) {
	token, _, err := a.load(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", nil
	}
	return token, err
}

// SignOut revokes the stored token.
func (a *TokenAuthenticator) SignOut(ctx context.Context) error {
	return a.source.Revoke(ctx)
}

func (a *TokenAuthenticator) load(ctx context.Context) (string, *Claims, error) {
	token, err := a.source.IDToken(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("read id token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil, ErrNoSession
	}
	claims, err := a.parse(token)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return token, claims, nil
}

func (a *TokenAuthenticator) parse(token string) (*Claims, error) {
	claims := &Claims{}
	if len(a.secret) > 0 {
		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(a.now),
		}
		if a.issuer != "" {
			opts = append(opts, jwt.WithIssuer(a.issuer))
		}
		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return a.secret, nil
		}, opts...)
		if err != nil || !parsed.Valid {
			return nil, ErrInvalidToken
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, ErrInvalidToken
		}
		exp, err := claims.GetExpirationTime()
		if err != nil || (exp != nil && a.now().After(exp.Time)) {
			return nil, ErrInvalidToken
		}
		if a.issuer != "" && claims.Issuer != a.issuer {
			return nil, ErrInvalidToken
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
