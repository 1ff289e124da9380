package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	adminIssuer = "textpay-admin"
	adminRole   = "admin"

	// LocalOperator is the fiber.Ctx local holding the authenticated operator subject.
	LocalOperator = "operator"
)

// AdminClaims are carried by operator tokens.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueAdminToken signs an HS256 operator token valid for ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("admin jwt secret not configured")
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: adminRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AdminAuth accepts only HS256 bearer tokens signed with secret that carry the admin role.
func AdminAuth(secret []byte) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
	)
	return func(c *fiber.Ctx) error {
		if len(secret) == 0 {
			return fiber.NewError(http.StatusServiceUnavailable, "admin api disabled")
		}
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])

		claims := &AdminClaims{}
		token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if claims.Role != adminRole || claims.Subject == "" {
			return fiber.NewError(http.StatusForbidden, "operator role required")
		}

		c.Locals(LocalOperator, claims.Subject)
		return c.Next()
	}
}
