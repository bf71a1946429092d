// Package auth validates externally issued observer and client credentials.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"

	"shiftwatch/internal/model"
)

type Validator interface {
	Validate(ctx context.Context, token string) (model.Identity, error)
}

type Claims struct {
	EmployeeID string `json:"employee_id"`
	CompanyID  string `json:"company_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens carrying employee, company and role
// claims. Tokens without an expiry are rejected.
type JWTValidator struct {
	secret []byte
	issuer string
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Identity{}, errors.Annotate(model.ErrAuthentication, "missing token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return model.Identity{}, errors.Annotatef(model.ErrAuthentication, "%v", err)
	}
	if claims.EmployeeID == "" || claims.CompanyID == "" {
		return model.Identity{}, errors.Annotate(model.ErrAuthentication, "token lacks employee or company")
	}
	role := model.Role(strings.ToLower(claims.Role))
	switch role {
	case model.RoleEmployee, model.RoleManager, model.RoleAdmin:
	case "":
		role = model.RoleEmployee
	default:
		return model.Identity{}, errors.Annotatef(model.ErrAuthentication, "unknown role %q", claims.Role)
	}
	return model.Identity{EmployeeID: claims.EmployeeID, CompanyID: claims.CompanyID, Role: role}, nil
}

// Issue signs a token for id. The service itself never issues credentials;
// this exists for tooling and tests.
func Issue(secret, issuer string, id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		EmployeeID: id.EmployeeID,
		CompanyID:  id.CompanyID,
		Role:       string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.EmployeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(model.Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// identity on the request context.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Validate(r.Context(), TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication_error","reason":"invalid or missing token"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// CanObserveCompany reports whether id may read company-wide data.
func CanObserveCompany(id model.Identity, companyID string) bool {
	return id.CompanyID == companyID && id.Role.Supervises()
}

// CanActFor reports whether id may read or submit data for the employee.
func CanActFor(id model.Identity, companyID, employeeID string) bool {
	if id.CompanyID != companyID {
		return false
	}
	return id.Role.Supervises() || id.EmployeeID == employeeID
}
