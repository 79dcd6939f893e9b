package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/gpu"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/storage"
)

// Stitcher joins ordered chunk videos into one clip.
type Stitcher interface {
	Concat(ctx context.Context, refs []string) (string, error)
}

// HealthChecker reports the inference service's readiness.
type HealthChecker interface {
	Health(ctx context.Context) (gpu.Health, error)
}

// CancelPublisher forwards a cancel to the replica running the session's turn. Holder
// returns the turn holding the session anywhere in the cluster, or "".
type CancelPublisher interface {
	Holder(ctx context.Context, sessionID string) (string, error)
	PublishCancel(ctx context.Context, sessionID string) error
}

// Deps are the collaborators the HTTP layer drives. Videos, Stitcher, Health and Cancels
// are optional.
type Deps struct {
	Pipeline *agent.Pipeline
	Sessions *agent.Sessions
	Videos   *storage.Local
	Stitcher Stitcher
	Health   HealthChecker
	Cancels  CancelPublisher
	Log      *logger.Logger

	AuthToken      string
	MaxUploadBytes int64
	// KeepAlive is the SSE comment interval; zero means 15s.
	KeepAlive time.Duration
}

type server struct {
	pipeline  *agent.Pipeline
	sessions  *agent.Sessions
	videos    *storage.Local
	stitcher  Stitcher
	health    HealthChecker
	cancels   CancelPublisher
	log       *logger.Logger
	keepAlive time.Duration
	maxUpload int64
	upgrader  websocket.Upgrader
}

func newServer(d Deps) *server {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &server{
		pipeline:  d.Pipeline,
		sessions:  d.Sessions,
		videos:    d.Videos,
		stitcher:  d.Stitcher,
		health:    d.Health,
		cancels:   d.Cancels,
		log:       logger.OrNop(d.Log).With("component", "HTTPServer"),
		keepAlive: keepAlive,
		maxUpload: d.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			// token auth already ran; browsers on any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) handleHealth(c echo.Context) error {
	out := map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	}
	if s.health == nil {
		return c.JSON(http.StatusOK, out)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	h, err := s.health.Health(ctx)
	if err != nil {
		s.log.Warn("gpu health check failed", "error", err)
		out["status"] = "degraded"
		out["gpu"] = map[string]string{"status": "unreachable"}
		return c.JSON(http.StatusOK, out)
	}
	if !h.Ready() {
		out["status"] = "degraded"
	}
	out["gpu"] = h
	return c.JSON(http.StatusOK, out)
}

func (s *server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if sess, ok := s.sessions.Lookup(id); ok && sess.Cancel() {
		s.log.Info("turn cancelled", "session", id)
		return c.JSON(http.StatusOK, map[string]interface{}{"session_id": id, "cancelled": true})
	}
	if s.cancels != nil {
		ctx := c.Request().Context()
		turnID, err := s.cancels.Holder(ctx, id)
		if err != nil {
			// lock store unreachable: publish anyway, the owner may still hear it
			s.log.Warn("turn holder lookup failed", "session", id, "error", err)
		} else if turnID == "" {
			return echo.NewHTTPError(http.StatusNotFound, "no active turn for this session")
		}
		if err := s.cancels.PublishCancel(ctx, id); err != nil {
			s.log.Error("cancel forward failed", "session", id, "error", err)
			return echo.NewHTTPError(http.StatusBadGateway, "could not forward cancel")
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{"session_id": id, "turn_id": turnID, "forwarded": true})
	}
	return echo.NewHTTPError(http.StatusNotFound, "no active turn for this session")
}

func (s *server) handleVideo(c echo.Context) error {
	if s.videos == nil {
		return echo.ErrNotFound
	}
	p, err := s.videos.Path(c.Param("*"))
	if err != nil {
		return echo.ErrNotFound
	}
	return c.File(p)
}
