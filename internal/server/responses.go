package server

import (
	"github.com/labstack/echo/v4"
)

// errorBody is the failure envelope shared by every endpoint.
type errorBody struct {
	Success              bool         `json:"success"`
	Error                errorDetails `json:"error"`
	RequiresConfirmation bool         `json:"requiresConfirmation,omitempty"`
}

type errorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func successJSON(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func errorJSON(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, errorBody{
		Error: errorDetails{Type: errType, Message: message},
	})
}

func confirmationJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, errorBody{
		Error:                errorDetails{Type: "confirmation_required", Message: message},
		RequiresConfirmation: true,
	})
}
