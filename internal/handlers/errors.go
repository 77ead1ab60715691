package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every error reply:
//
//	{"message": {"reason": "...", "advice": "..."}}
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`
}

func newError(code int, reason, advice string, cause error) *echo.HTTPError {
	he := echo.NewHTTPError(code, ErrorResponse{Message: ErrorMessage{Reason: reason, Advice: advice}})
	if cause != nil {
		he = he.SetInternal(cause)
	}
	return he
}

func badRequest(advice string, err error) *echo.HTTPError {
	return newError(http.StatusBadRequest, "bad request", advice, err)
}

func notFound(advice string) *echo.HTTPError {
	return newError(http.StatusNotFound, "not found", advice, nil)
}

func serviceUnavailable(advice string, err error) *echo.HTTPError {
	return newError(http.StatusServiceUnavailable, "service unavailable", advice, err)
}

func internalError(err error) *echo.HTTPError {
	return newError(http.StatusInternalServerError, "unexpected error", "", err)
}
