package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/soaringjerry/Sylva/internal/services"
)

type authCtxKey int

const authKey authCtxKey = 7

type Claims struct {
	ResearcherID string `json:"rid"`
	SiteAdmin    bool   `json:"site_admin,omitempty"`
	jwt.RegisteredClaims
}

// Auth signs and checks the HS256 bearer tokens used by the Forest endpoints.
type Auth struct {
	secret []byte
	now    func() time.Time
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret), now: time.Now}
}

func (a *Auth) SignToken(researcherID string, siteAdmin bool, ttl time.Duration) (string, error) {
	if researcherID == "" {
		return "", errors.New("researcher id required")
	}
	now := a.now()
	claims := Claims{
		ResearcherID: researcherID,
		SiteAdmin:    siteAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   researcherID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid && c.ResearcherID != "" {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches claims to the context when a valid bearer token is present.
func (a *Auth) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := a.parseToken(tok); err == nil {
				ctx := context.WithValue(r.Context(), authKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(authKey).(*Claims); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func PrincipalFromContext(ctx context.Context) (*services.Principal, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.ResearcherID != "" {
		return &services.Principal{ResearcherID: c.ResearcherID, SiteAdmin: c.SiteAdmin}, true
	}
	return nil, false
}
