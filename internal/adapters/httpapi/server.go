// Package httpapi exposes the conversation engine over JSON/HTTP.
//
// Every /api route needs a bearer token accepted by identity.TokenVerifier;
// the token subject is the acting participant. Notification routes also
// need that participant to own the active session.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	glog "github.com/labstack/gommon/log"

	"jobchat/internal/app"
	"jobchat/internal/chat"
	"jobchat/internal/identity"
	logx "jobchat/pkg/logx"
)

const actorKey = "actor"

// Verifier turns a bearer token into a participant.
type Verifier interface {
	Verify(ctx context.Context, raw string) (chat.Participant, error)
}

var _ Verifier = (*identity.TokenVerifier)(nil)

type Server struct {
	app    *app.App
	tokens Verifier
	log    logx.Logger
	e      *echo.Echo
}

func New(a *app.App, tokens Verifier, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{app: a, tokens: tokens, log: log, e: echo.New()}
	s.routes()
	return s
}

// Handler returns the echo instance, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) routes() {
	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(glog.OFF)
	e.HTTPErrorHandler = s.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				s.log.Debug("request failed", append(fields, logx.Err(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)

	api := e.Group("/api", s.authenticate)
	api.POST("/session", s.startSession)
	api.DELETE("/session", s.endSession)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/read", s.markRead)
	api.POST("/messages", s.sendMessage)
	api.GET("/notifications", s.listNotifications)
	api.DELETE("/notifications/:id", s.dismissNotification)
}

// Start serves on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.log.Info("http listening", logx.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	return s.e.Shutdown(ctx)
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		p, err := s.tokens.Verify(c.Request().Context(), strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		c.Set(actorKey, p)
		return next(c)
	}
}

func actorOf(c echo.Context) chat.Participant {
	p, _ := c.Get(actorKey).(chat.Participant)
	return p
}
