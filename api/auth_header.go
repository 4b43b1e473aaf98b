package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// authHeader returns the Authorization header of a request, falling back to
// a token query parameter. EventSource clients cannot set headers.
func authHeader(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" {
		if token := c.QueryParam("token"); token != "" {
			h = bearerPrefix + token
		}
	}
	return h
}

// bearerToken extracts a compact JWS from a "Bearer <token>" value.
func bearerToken(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
