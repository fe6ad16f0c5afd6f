package handler

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed web/index.html
var landingPage []byte

// Landing serves the start page with a form that submits to /proxy.
func Landing(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, landingPage)
}
