package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeVerifier map[string]*auth.Token

func (f fakeVerifier) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	token, ok := f[idToken]
	if !ok {
		return nil, errors.New("token expired")
	}
	return token, nil
}

func request(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func callerEcho(c *gin.Context) {
	caller, ok := CallerFrom(c)
	if !ok {
		c.Status(http.StatusTeapot)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": caller.UID, "email": caller.Email, "admin": caller.Admin})
}

func TestVerifyToken(t *testing.T) {
	logger := zaptest.NewLogger(t)
	verifier := fakeVerifier{
		"good":  {UID: "u1", Claims: map[string]interface{}{"email": "a@example.com"}},
		"admin": {UID: "admin-1", Claims: map[string]interface{}{"admin": true}},
	}
	r := gin.New()
	r.GET("/me", NewAuthMiddleware(verifier, logger).VerifyToken(), callerEcho)

	w := request(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"u1","email":"a@example.com","admin":false}`, w.Body.String())

	w = request(r, http.MethodGet, "/me", map[string]string{"Authorization": "bearer admin"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"admin-1","email":"","admin":true}`, w.Body.String())

	for _, header := range []string{"", "good", "Basic good", "Bearer ", "Bearer stale"} {
		w = request(r, http.MethodGet, "/me", map[string]string{"Authorization": header})
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
		assert.Contains(t, w.Body.String(), `"code":"unauthenticated"`, header)
	}
}

func TestVerifyTokenWithoutVerifier(t *testing.T) {
	r := gin.New()
	r.GET("/me", NewAuthMiddleware(nil, zaptest.NewLogger(t)).VerifyToken(), callerEcho)

	w := request(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCallerFromRequiresUID(t *testing.T) {
	r := gin.New()
	r.GET("/empty", func(c *gin.Context) { c.Set(callerKey, core.Caller{Email: "a@example.com"}) }, callerEcho)
	r.GET("/wrong-type", func(c *gin.Context) { c.Set(callerKey, "u1") }, callerEcho)
	r.GET("/unset", callerEcho)

	for _, path := range []string{"/empty", "/wrong-type", "/unset"} {
		assert.Equal(t, http.StatusTeapot, request(r, http.MethodGet, path, nil).Code, path)
	}
}

func TestSharedSecret(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r := gin.New()
	r.POST("/bearer", SharedSecret("Authorization", "s3cret", logger), ok)
	r.POST("/header", SharedSecret("X-Events-Secret", "s3cret", logger), ok)
	r.POST("/unset", SharedSecret("X-Events-Secret", "", logger), ok)

	tests := []struct {
		path    string
		headers map[string]string
		want    int
	}{
		{"/bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNoContent},
		{"/bearer", map[string]string{"Authorization": "s3cret"}, http.StatusUnauthorized},
		{"/bearer", map[string]string{"Authorization": "Bearer s3cre"}, http.StatusUnauthorized},
		{"/header", map[string]string{"X-Events-Secret": " s3cret "}, http.StatusNoContent},
		{"/header", map[string]string{"X-Events-Secret": "other"}, http.StatusUnauthorized},
		{"/header", nil, http.StatusUnauthorized},
		{"/unset", map[string]string{"X-Events-Secret": ""}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, request(r, http.MethodPost, tt.path, tt.headers).Code, "%s %v", tt.path, tt.headers)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RecoveryMiddleware(zaptest.NewLogger(t)))
	r.GET("/panic", func(*gin.Context) { panic("nil map write") })

	w := request(r, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error","code":"internal"}`, w.Body.String())
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware("https://app.example.com, https://admin.example.com"), RequestLogger(zaptest.NewLogger(t)))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := request(r, http.MethodGet, "/health", map[string]string{"Origin": "https://admin.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = request(r, http.MethodGet, "/health", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
