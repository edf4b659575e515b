package auth

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"prism-backend/internal/api"
	"prism-backend/internal/config"
	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store *store.Store
	cfg   config.AuthConfig
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *store.Store, cfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{store: s, cfg: cfg}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return api.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()

	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return api.UnauthorizedError("Invalid email or password")
	}

	if !store.AsBool(user["active"]) {
		return api.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return api.UnauthorizedError("Invalid email or password")
	}

	acct := metadata.Account{
		UserID:  store.AsString(user["id"]),
		Email:   store.AsString(user["email"]),
		GroupID: store.AsInt(user["group_id"]),
		Admin:   store.AsBool(user["admin"]),
	}

	pair, err := h.generateTokenPair(ctx, acct)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. The presented token is
// consumed and a fresh pair is issued (rotation).
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return api.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		`SELECT rt.id, rt.user_id, rt.expires_at, u.email, u.group_id, u.active, g.admin
		 FROM _refresh_tokens rt
		 JOIN _users u ON u.id = rt.user_id
		 JOIN _groups g ON g.id = u.group_id
		 WHERE rt.token = `+pb.Add(body.RefreshToken), pb.Params()...)
	if err != nil {
		return api.UnauthorizedError("Invalid refresh token")
	}

	if time.Now().After(tokenExpiry(row["expires_at"])) {
		pb = h.store.Dialect.NewParamBuilder()
		_, _ = store.Exec(ctx, h.store.DB,
			"DELETE FROM _refresh_tokens WHERE token = "+pb.Add(body.RefreshToken), pb.Params()...)
		return api.UnauthorizedError("Refresh token expired")
	}

	if !store.AsBool(row["active"]) {
		return api.UnauthorizedError("Account is disabled")
	}

	// Delete the used refresh token (rotation)
	pb = h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB,
		"DELETE FROM _refresh_tokens WHERE id = "+pb.Add(store.AsString(row["id"])), pb.Params()...)

	acct := metadata.Account{
		UserID:  store.AsString(row["user_id"]),
		Email:   store.AsString(row["email"]),
		GroupID: store.AsInt(row["group_id"]),
		Admin:   store.AsBool(row["admin"]),
	}

	pair, err := h.generateTokenPair(ctx, acct)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return api.UnauthorizedError("Refresh token is required")
	}

	_, _ = store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _refresh_tokens WHERE token = "+h.store.Dialect.Placeholder(1), body.RefreshToken)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
}

// --- helpers ---

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	return store.QueryRow(ctx, h.store.DB,
		`SELECT u.id, u.email, u.password_hash, u.group_id, u.active, g.admin
		 FROM _users u
		 JOIN _groups g ON g.id = u.group_id
		 WHERE u.email = `+pb.Add(email), pb.Params()...)
}

func (h *AuthHandler) generateTokenPair(ctx context.Context, acct metadata.Account) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(acct, h.cfg.JWTSecret, h.cfg.AccessTTL())
	if err != nil {
		return nil, api.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	ttl := h.cfg.RefreshTTL()
	if ttl <= 0 {
		ttl = RefreshTokenTTL
	}
	expiresAt := h.store.Dialect.TimeParam(time.Now().Add(ttl))

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB,
		"INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES ("+
			pb.Add(uuid.New().String())+", "+pb.Add(acct.UserID)+", "+pb.Add(refreshToken)+", "+pb.Add(expiresAt)+")",
		pb.Params()...)
	if err != nil {
		return nil, api.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// tokenExpiry reads expires_at from a row. PostgreSQL scans TIMESTAMPTZ
// as time.Time; SQLite hands back the stored text.
func tokenExpiry(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return tokenExpiry(string(t))
	}
	// Unparseable expiry reads as expired.
	return time.Time{}
}
