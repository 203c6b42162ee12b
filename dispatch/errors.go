package dispatch

import (
	"encoding/xml"
	"fmt"

	"github.com/labstack/echo/v4"
)

// Error is a wire-level error with its dialect-independent parts.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError builds a wire error.
func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

type jsonError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

type xmlErrorBody struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type xmlErrorResponse struct {
	XMLName xml.Name     `xml:"ErrorResponse"`
	Error   xmlErrorBody `xml:"Error"`
}

func renderError(c echo.Context, dialect Dialect, werr *Error) error {
	if dialect == DialectQuery {
		return c.XML(werr.Status, xmlErrorResponse{Error: xmlErrorBody{Code: werr.Code, Message: werr.Message}})
	}
	return c.JSON(werr.Status, jsonError{Type: werr.Code, Message: werr.Message})
}
