package daemon

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"radiolink/internal/api"
	"radiolink/internal/logging"
	"radiolink/internal/services"
)

// onlyAllowLocal rejects requests that do not originate from a loopback address.
func onlyAllowLocal(c *gin.Context) {
	ip := net.ParseIP(c.ClientIP())
	if ip == nil || !ip.IsLoopback() {
		c.AbortWithStatusJSON(http.StatusForbidden, api.ErrorResponse{Error: "forbidden"})
		return
	}
	c.Next()
}

// requestContext assigns a request id, stores it on the request context, and
// logs the request once it completes.
func (s *apiServer) requestContext(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header(api.RequestIDHeader, requestID)
	c.Request = c.Request.WithContext(services.WithRequestID(c.Request.Context(), requestID))

	started := time.Now()
	c.Next()

	s.logger.Debug("api request",
		logging.String("method", c.Request.Method),
		logging.String("path", c.Request.URL.Path),
		logging.Int("status", c.Writer.Status()),
		logging.Duration("duration", time.Since(started)),
		logging.String("client", c.ClientIP()),
		logging.String(logging.FieldCorrelationID, requestID),
	)
}
