package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"jobchat/internal/chat"
	"jobchat/internal/identity"
	logx "jobchat/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnknownActor):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusFor(err)
	body := errorBody{Error: err.Error()}

	var he *echo.HTTPError
	var ve *chat.ValidationError
	switch {
	case errors.As(err, &he):
		body.Error = fmt.Sprint(he.Message)
	case errors.As(err, &ve):
		body.Field = ve.Field
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn("request error",
			logx.String("path", c.Path()),
			logx.Int("status", code),
			logx.Err(err))
		if code == http.StatusInternalServerError {
			body.Error = http.StatusText(code)
		}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, body)
	}
	if werr != nil {
		s.log.Debug("write error response", logx.Err(werr))
	}
}
