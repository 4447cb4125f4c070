// Package adminauth is the bearer-token guard for the admin HTTP
// surface (SPEC_FULL.md §4.8). It is adapted line-for-line from the
// teacher's internal/auth/jwt.go + internal/middleware/auth.go, with
// the incident-management claims (UsuarioID/EventoID/Rol) replaced by
// a single operator-id claim: this surface has one audience (the
// ops/admin tooling that talks to a gateway worker), not per-user
// roles.
package adminauth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextOperatorID is the gin.Context key the middleware stores the
// validated operator id under.
const ContextOperatorID = "operator_id"

type Claims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// Service issues and validates operator bearer tokens.
type Service struct {
	secret     []byte
	expiration time.Duration
}

func NewService(secret string, expiration time.Duration) *Service {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), expiration: expiration}
}

// IssueToken mints a bearer token for operatorID, used by operator
// tooling outside this repo; exposed so cmd/server can print a
// bootstrap token when ADMIN_JWT_SECRET is set but no token store
// exists yet.
func (s *Service) IssueToken(operatorID string) (string, error) {
	claims := Claims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   operatorID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// errorResponse mirrors the teacher's models.ErrorResponse shape
// without depending on the dropped models package.
type errorResponse struct {
	Error string `json:"error"`
}

// Middleware rejects requests without a valid "Bearer <token>" header,
// matching the teacher's middleware.Auth gate.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "token required"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid token format"})
			return
		}
		claims, err := s.validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
			return
		}
		c.Set(ContextOperatorID, claims.OperatorID)
		c.Next()
	}
}

// OperatorID extracts the validated operator id from the gin context.
func OperatorID(c *gin.Context) string {
	return c.GetString(ContextOperatorID)
}
