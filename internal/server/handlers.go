// Package server provides HTTP handlers and server setup for the usage
// accounting service.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"omniusage/internal/ledger"
	"omniusage/internal/pricing"
)

// Handler holds the HTTP handlers.
type Handler struct {
	service *ledger.Service
	table   *pricing.Table
}

// NewHandler creates a handler backed by the given ledger service.
func NewHandler(service *ledger.Service, table *pricing.Table) *Handler {
	return &Handler{service: service, table: table}
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// caller resolves the authenticated identity and seeds its tier. A missing
// identity means the auth middleware was bypassed by misconfiguration. On
// failure the 401 response has already been written and the handler must
// return without touching the response again.
func (h *Handler) caller(c echo.Context) (Identity, bool) {
	id, ok := identityFrom(c)
	if !ok {
		_ = errorJSON(c, http.StatusUnauthorized, "authentication_error", "no identity on request")
		return Identity{}, false
	}
	h.service.SeedTier(id.UserID, id.Tier)
	return id, true
}

// targetUser applies the cross-user authorization rule: a userId query
// parameter naming someone else requires the admin role. On failure the 403
// response has already been written.
func targetUser(c echo.Context, id Identity, requested string) (string, bool) {
	if requested == "" || requested == id.UserID {
		return id.UserID, true
	}
	if !id.IsAdmin() {
		_ = errorJSON(c, http.StatusForbidden, "authorization_error", "cannot access another user's usage")
		return "", false
	}
	return requested, true
}

// GetUsage handles GET /v1/usage.
func (h *Handler) GetUsage(c echo.Context) error {
	id, ok := h.caller(c)
	if !ok {
		return nil
	}

	userID, ok := targetUser(c, id, c.QueryParam("userId"))
	if !ok {
		return nil
	}

	period, err := ledger.ParsePeriod(c.QueryParam("period"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	ctx := c.Request().Context()
	sum, err := h.service.Summary(ctx, userID, period)
	if err != nil {
		return h.handleError(c, err)
	}
	logs, err := h.service.RecentLogs(ctx, userID, ledger.RecentLogsLimit)
	if err != nil {
		return h.handleError(c, err)
	}

	return successJSON(c, http.StatusOK, map[string]interface{}{
		"userId":     userID,
		"summary":    sum,
		"recentLogs": logs,
	})
}

type recordBody struct {
	UserID           string          `json:"userId"`
	ModelID          string          `json:"modelId"`
	Provider         string          `json:"provider"`
	Type             string          `json:"type"`
	TokensInput      int             `json:"tokensInput"`
	TokensOutput     int             `json:"tokensOutput"`
	LatencyMs        int             `json:"latencyMs"`
	ContextMode      string          `json:"contextMode"`
	DurationSeconds  float64         `json:"durationSeconds"`
	ProviderResponse json.RawMessage `json:"providerResponse"`
}

// RecordUsage handles POST /v1/usage.
func (h *Handler) RecordUsage(c echo.Context) error {
	id, ok := h.caller(c)
	if !ok {
		return nil
	}

	var body recordBody
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
	}

	userID, ok := targetUser(c, id, body.UserID)
	if !ok {
		return nil
	}

	log, err := h.service.Record(c.Request().Context(), ledger.RecordRequest{
		UserID:           userID,
		ModelID:          body.ModelID,
		Provider:         body.Provider,
		Type:             pricing.CallType(body.Type),
		TokensInput:      body.TokensInput,
		TokensOutput:     body.TokensOutput,
		LatencyMs:        body.LatencyMs,
		ContextMode:      body.ContextMode,
		DurationSeconds:  body.DurationSeconds,
		ProviderResponse: body.ProviderResponse,
	})
	if err != nil {
		return h.handleError(c, err)
	}

	return successJSON(c, http.StatusCreated, map[string]interface{}{"log": log})
}

// DeleteUsage handles DELETE /v1/usage. Without a userId parameter this is
// the admin-only bulk reset, which additionally demands confirm=true.
func (h *Handler) DeleteUsage(c echo.Context) error {
	id, ok := h.caller(c)
	if !ok {
		return nil
	}

	requested := c.QueryParam("userId")
	confirm := c.QueryParam("confirm") == "true"
	ctx := c.Request().Context()

	if requested == "" {
		if !id.IsAdmin() {
			return errorJSON(c, http.StatusForbidden, "authorization_error", "bulk reset requires the admin role")
		}
		if err := h.service.ResetAll(ctx, confirm); err != nil {
			if errors.Is(err, ledger.ErrConfirmationRequired) {
				return confirmationJSON(c, http.StatusBadRequest, "bulk reset deletes every user's usage history; repeat with confirm=true")
			}
			return h.handleError(c, err)
		}
		return successJSON(c, http.StatusOK, map[string]interface{}{"cleared": "all"})
	}

	userID, ok := targetUser(c, id, requested)
	if !ok {
		return nil
	}
	if err := h.service.Reset(ctx, userID); err != nil {
		return h.handleError(c, err)
	}
	return successJSON(c, http.StatusOK, map[string]interface{}{"cleared": userID})
}

// CheckQuota handles GET /v1/usage/quota, the proactive admission check a
// caller runs before issuing a billable provider call.
func (h *Handler) CheckQuota(c echo.Context) error {
	id, ok := h.caller(c)
	if !ok {
		return nil
	}

	userID, ok := targetUser(c, id, c.QueryParam("userId"))
	if !ok {
		return nil
	}

	resource, err := ledger.ParseResource(c.QueryParam("resource"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	// Amount can be given directly, or estimated from the prompt text the
	// caller is about to send.
	amount := int64(1)
	switch {
	case c.QueryParam("amount") != "":
		amount, err = strconv.ParseInt(c.QueryParam("amount"), 10, 64)
		if err != nil || amount < 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid_request_error", "amount must be a non-negative integer")
		}
	case c.QueryParam("text") != "":
		amount = int64(pricing.EstimateTokens(c.QueryParam("text")))
	}

	decision, err := h.service.CheckQuota(c.Request().Context(), userID, resource, amount)
	if err != nil {
		return h.handleError(c, err)
	}

	return successJSON(c, http.StatusOK, map[string]interface{}{
		"resource":  resource,
		"amount":    amount,
		"allowed":   decision.Allowed,
		"remaining": decision.Remaining,
		"limit":     decision.Limit,
	})
}

type tierBody struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

// SetTier handles PUT /v1/usage/tier.
func (h *Handler) SetTier(c echo.Context) error {
	id, ok := h.caller(c)
	if !ok {
		return nil
	}

	var body tierBody
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
	}

	userID, ok := targetUser(c, id, body.UserID)
	if !ok {
		return nil
	}

	if err := h.service.SetTier(userID, body.Tier); err != nil {
		return h.handleError(c, err)
	}

	return successJSON(c, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"tier":   body.Tier,
	})
}

// PricingModels handles GET /v1/pricing/models.
func (h *Handler) PricingModels(c echo.Context) error {
	return successJSON(c, http.StatusOK, map[string]interface{}{"models": h.table.Models()})
}

// PricingTiers handles GET /v1/pricing/tiers.
func (h *Handler) PricingTiers(c echo.Context) error {
	return successJSON(c, http.StatusOK, map[string]interface{}{"tiers": h.table.Tiers()})
}

// handleError maps service errors to HTTP responses. Unexpected errors are
// logged server-side and surfaced as a generic 500.
func (h *Handler) handleError(c echo.Context, err error) error {
	var quotaErr *ledger.QuotaError
	if errors.As(err, &quotaErr) {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"success": false,
			"error": map[string]interface{}{
				"type":    "limit_exceeded",
				"message": quotaErr.Error(),
			},
			"quota": map[string]interface{}{
				"resource":  quotaErr.Resource,
				"remaining": quotaErr.Decision.Remaining,
				"limit":     quotaErr.Decision.Limit,
			},
		})
	}

	switch {
	case errors.Is(err, ledger.ErrMissingModelID),
		errors.Is(err, ledger.ErrMissingUserID),
		errors.Is(err, ledger.ErrUnknownTier),
		errors.Is(err, ledger.ErrInvalidRecord):
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, ledger.ErrConfirmationRequired):
		return confirmationJSON(c, http.StatusBadRequest, err.Error())
	}

	slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
	return errorJSON(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}
