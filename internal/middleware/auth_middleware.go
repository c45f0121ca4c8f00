package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
)

// callerKey is the gin context key holding the authenticated core.Caller.
const callerKey = "caller"

// ErrorResponse mirrors api.ErrorResponse; it is redeclared here to avoid an
// import cycle.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: msg, Code: "unauthenticated"})
}

// TokenVerifier verifies Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// AuthMiddleware provides Gin middleware for Firebase token authentication.
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(verifier TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logger: logger}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// VerifyToken verifies the Firebase ID token in the Authorization header and
// stores the caller, including its admin claim, in the gin context.
func (m *AuthMiddleware) VerifyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.verifier == nil {
			m.logger.Error("Token verifier is not configured")
			unauthenticated(c, "Authentication is not available")
			return
		}
		idToken, ok := bearerToken(c)
		if !ok {
			unauthenticated(c, "Authorization header format must be 'Bearer {token}'")
			return
		}

		token, err := m.verifier.VerifyIDToken(c.Request.Context(), idToken)
		if err != nil {
			m.logger.Info("Rejected ID token", zap.String("path", c.FullPath()), zap.Error(err))
			unauthenticated(c, "Invalid or expired authentication token")
			return
		}

		caller := core.Caller{UID: token.UID}
		if email, ok := token.Claims["email"].(string); ok {
			caller.Email = email
		}
		if admin, ok := token.Claims["admin"].(bool); ok {
			caller.Admin = admin
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller stored by VerifyToken.
func CallerFrom(c *gin.Context) (core.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return core.Caller{}, false
	}
	caller, ok := v.(core.Caller)
	return caller, ok && caller.UID != ""
}

// SharedSecret rejects requests whose header does not carry secret. For the
// Authorization header the value must use the Bearer scheme. An empty secret
// rejects everything.
func SharedSecret(header, secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var got string
		if strings.EqualFold(header, "Authorization") {
			got, _ = bearerToken(c)
		} else {
			got = strings.TrimSpace(c.GetHeader(header))
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warn("Rejected shared-secret request",
				zap.String("path", c.Request.URL.Path),
				zap.String("header", header),
				zap.Bool("configured", secret != ""),
			)
			unauthenticated(c, "Invalid credentials")
			return
		}
		c.Next()
	}
}
