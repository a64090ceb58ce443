package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"trade-executor/internal/apperr"
)

const (
	userContextKey = "UserID"
	roleContextKey = "Role"

	// RoleOperator may act on any user's trades and on breakers.
	RoleOperator = "operator"
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token; used by the CLI and tests.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperr.Configuration(nil, "server.jwt_secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// AuthMiddleware enforces bearer JWT auth. An empty secret rejects every
// request.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			abortAuth(c, "AUTH_NOT_CONFIGURED", "authentication is not configured")
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, "MISSING_TOKEN", "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortAuth(c, "INVALID_AUTH_HEADER", "invalid Authorization header")
			return
		}

		claims, err := parseToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			abortAuth(c, "INVALID_TOKEN", "invalid or expired token")
			return
		}

		c.Set(userContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

func abortAuth(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status": "error",
		"error":  gin.H{"code": code, "message": message},
	})
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

func isOperator(c *gin.Context) bool {
	return c.GetString(roleContextKey) == RoleOperator
}

// RequireOperator limits a route to operator tokens.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isOperator(c) {
			writeError(c, apperr.New(apperr.ClassAuthorization, apperr.CodeForbidden, "operator role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
