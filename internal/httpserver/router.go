package httpserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/avatar-runtime/internal/logger"
	authmw "github.com/chadiek/avatar-runtime/internal/middleware"
	"github.com/chadiek/avatar-runtime/internal/storage"
)

const (
	HeaderSessionID = "X-Session-ID"
	HeaderTurnID    = "X-Turn-ID"
)

// New creates a configured Echo server instance with every route mounted.
func New(d Deps) *echo.Echo {
	s := newServer(d)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(s.log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token", HeaderSessionID},
		ExposeHeaders: []string{HeaderSessionID, HeaderTurnID},
	}))
	if d.MaxUploadBytes > 0 {
		// multipart framing overhead on top of the audio itself
		e.Use(middleware.BodyLimit(strconv.FormatInt(d.MaxUploadBytes+64<<10, 10)))
	}
	token := d.AuthToken
	e.Use(authmw.TokenAuth(func() string { return token }, "/healthz", "/health", storage.VideoRoute))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", s.handleHealth)

	api := e.Group("/api/v1")
	api.POST("/conversation/stream", s.handleStream)
	api.POST("/conversation", s.handleConversation)
	api.GET("/conversation/ws", s.handleWebSocket)
	api.POST("/sessions/:id/cancel", s.handleCancel)
	api.GET("/videos/*", s.handleVideo)
	return e
}

func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			kv := []interface{}{"method", v.Method, "uri", authmw.RedactToken(v.URI), "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				log.Warn("request failed", append(kv, "error", v.Error)...)
				return nil
			}
			log.Info("request", kv...)
			return nil
		},
	})
}
