package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/xlog"
)

// statusCode maps an error kind onto its HTTP status.
func statusCode(err error) int {
	switch {
	case errdefs.IsAny(err, errdefs.ErrInvalidParameter, errdefs.ErrMalformed):
		return http.StatusBadRequest
	case errdefs.IsAny(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errdefs.IsAny(err, errdefs.ErrConflict):
		return http.StatusConflict
	case errdefs.IsAny(err, errdefs.ErrForbidden):
		return http.StatusForbidden
	case errdefs.IsAny(err, errdefs.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// abortError terminates the request with the mapped status and a short
// plain-text body.
func abortError(c *gin.Context, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		xlog.C(c.Request.Context()).Error("request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.String(status, "%s", err.Error())
	c.Abort()
}
