package api

import (
	"github.com/Aidin1998/pixelverify/api/responses"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// streamSSE serves the live feed as server-sent events
func (s *Server) streamSSE(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}
	sink, err := stream.NewSSESink(c.Writer, c.Request)
	if err != nil {
		session.Close()
		responses.InternalServerError(c, "streaming is not supported by this connection")
		return
	}
	if err := session.Run(c.Request.Context(), sink); err != nil {
		s.logger.Debug("sse stream ended", zap.String("connection_id", session.ID()), zap.Error(err))
	}
}

// streamWS serves the live feed over a WebSocket. Admission runs before the
// upgrade so denials are ordinary HTTP responses.
func (s *Server) streamWS(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		session.Close()
		return
	}
	sink := stream.NewWSSink(conn, s.opts.WSWriteTimeout)
	if err := session.Run(c.Request.Context(), sink); err != nil {
		s.logger.Debug("websocket stream ended", zap.String("connection_id", session.ID()), zap.Error(err))
	}
}

func (s *Server) openSession(c *gin.Context) (*stream.Session, bool) {
	shop := c.GetString(shopKey)
	platforms := stream.ParsePlatforms(c.Query("platforms"))

	session, decision, err := s.broadcaster.Open(c.Request.Context(), shop, platforms)
	switch {
	case err == nil:
		return session, true
	case errors.Is(err, errors.CapacityExceeded):
		responses.TooManyRequests(c, "too many live connections for this shop",
			s.broadcaster.RetryAfter(), decision.Limit, decision.Remaining())
	default:
		s.logger.Error("admission check failed", zap.String("shop_id", shop), zap.Error(err))
		responses.ServiceUnavailable(c, "live connections are temporarily unavailable", s.broadcaster.RetryAfter())
	}
	return nil, false
}
