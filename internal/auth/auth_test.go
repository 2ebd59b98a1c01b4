package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrule/internal/apperr"
	"clinrule/internal/metadata"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateAccessToken("dm-1", []string{metadata.RoleDataManager}, secret, time.Minute)
	require.NoError(t, err)

	claims, err := ParseAccessToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "dm-1", claims.Subject)
	assert.Equal(t, []string{metadata.RoleDataManager}, claims.Roles)

	_, err = ParseAccessToken(tok, "other-secret")
	assert.Error(t, err)

	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dm-1",
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseAccessToken(expired, secret)
	assert.Error(t, err)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseAccessToken(anonymous, secret)
	assert.Error(t, err)
}

func newApp(mw ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: apperr.Handler(nil)})
	handlers := append(mw, func(c *fiber.Ctx) error {
		return c.SendString(GetUser(c).ID)
	})
	app.Get("/", handlers...)
	return app
}

func TestMiddleware(t *testing.T) {
	admin, err := GenerateAccessToken("alice", []string{metadata.RoleAdmin}, secret, 0)
	require.NoError(t, err)
	monitor, err := GenerateAccessToken("bob", []string{metadata.RoleMonitor}, secret, 0)
	require.NoError(t, err)
	viewer, err := GenerateAccessToken("carol", nil, secret, 0)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mw     []fiber.Handler
		header string
		status int
	}{
		{"missing header", []fiber.Handler{AuthMiddleware(secret)}, "", 401},
		{"bad scheme", []fiber.Handler{AuthMiddleware(secret)}, "Basic abc", 401},
		{"bad token", []fiber.Handler{AuthMiddleware(secret)}, "Bearer nope", 401},
		{"authenticated", []fiber.Handler{AuthMiddleware(secret)}, "Bearer " + viewer, 200},
		{"admin ok", []fiber.Handler{AuthMiddleware(secret), RequireAdmin()}, "Bearer " + admin, 200},
		{"admin denied", []fiber.Handler{AuthMiddleware(secret), RequireAdmin()}, "Bearer " + monitor, 403},
		{"resolver ok", []fiber.Handler{AuthMiddleware(secret), RequireResolver()}, "Bearer " + monitor, 200},
		{"resolver denied", []fiber.Handler{AuthMiddleware(secret), RequireResolver()}, "Bearer " + viewer, 403},
		{"auth disabled", []fiber.Handler{NoAuth(), RequireAdmin()}, "", 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := newApp(tc.mw...).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
