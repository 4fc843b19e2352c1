package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"omniusage/internal/pricing"
)

// Roles carried by authenticated identities.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const identityContextKey = "omniusage.identity"

// Identity is the verified caller attached to each request. Handlers pass
// the role down as a capability; nothing below the HTTP boundary looks up
// roles on its own.
type Identity struct {
	UserID string
	Role   string
	Tier   string
}

// IsAdmin reports whether the identity carries the admin capability.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// APIKey maps a bearer key to an identity in config.
type APIKey struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
	Tier   string `yaml:"tier"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// MasterKey grants the admin role. Empty disables it.
	MasterKey string `yaml:"master_key"`

	// APIKeys are the recognized bearer keys.
	APIKeys []APIKey `yaml:"api_keys"`

	// AllowAnonymous gives unauthenticated callers a stable guest
	// identity instead of a 401.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// AuthMiddleware resolves the caller's identity from the Authorization
// header. Paths in skipPaths bypass authentication entirely.
func AuthMiddleware(cfg AuthConfig, skipPaths []string) echo.MiddlewareFunc {
	keys := make(map[string]Identity, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		id := Identity{UserID: k.UserID, Role: k.Role, Tier: k.Tier}
		if id.Role == "" {
			id.Role = RoleUser
		}
		if id.Tier == "" {
			id.Tier = pricing.TierFree
		}
		keys[k.Key] = id
	}

	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip[c.Request().URL.Path] {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.AllowAnonymous {
					c.Set(identityContextKey, guestIdentity(c))
					return next(c)
				}
				return errorJSON(c, http.StatusUnauthorized, "authentication_error", "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return errorJSON(c, http.StatusUnauthorized, "authentication_error", "invalid authorization header format, expected 'Bearer <token>'")
			}
			token := strings.TrimPrefix(authHeader, prefix)

			if cfg.MasterKey != "" && token == cfg.MasterKey {
				c.Set(identityContextKey, Identity{UserID: "admin", Role: RoleAdmin, Tier: pricing.TierEnterprise})
				return next(c)
			}
			if id, ok := keys[token]; ok {
				c.Set(identityContextKey, id)
				return next(c)
			}

			return errorJSON(c, http.StatusUnauthorized, "authentication_error", "invalid api key")
		}
	}
}

// guestIdentity derives a stable anonymous user id from the client address
// and user agent, so repeat guests accumulate against one ledger.
func guestIdentity(c echo.Context) Identity {
	seed := c.RealIP() + "|" + c.Request().UserAgent()
	return Identity{
		UserID: fmt.Sprintf("anon-%016x", xxhash.Sum64String(seed)),
		Role:   RoleUser,
		Tier:   pricing.TierFree,
	}
}

// identityFrom returns the identity the auth middleware attached.
func identityFrom(c echo.Context) (Identity, bool) {
	id, ok := c.Get(identityContextKey).(Identity)
	return id, ok
}
