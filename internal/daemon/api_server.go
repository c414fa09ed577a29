package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"radiolink/internal/api"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
	"radiolink/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	engine *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(bind string, d *Daemon, logger *slog.Logger) *apiServer {
	gin.SetMode(gin.ReleaseMode)
	srv := &apiServer{
		bind:   strings.TrimSpace(bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery(), srv.requestContext)

	group := engine.Group("/api")
	{
		group.POST("/ingest", srv.handleIngest)
		group.GET("/status", srv.handleStatus)
		group.GET("/procs", srv.handleProcs)
		group.GET("/sessions", srv.handleSessions)
	}
	local := engine.Group("/api", onlyAllowLocal)
	{
		local.DELETE("/procs", srv.handleClearProcs)
		local.POST("/procs/:id/retry", srv.handleRetry)
		local.POST("/flush", srv.handleFlush)
	}
	srv.engine = engine
	return srv
}

// Handler exposes the router for in-process use.
func (d *Daemon) Handler() http.Handler {
	return d.api.engine
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled; paths.api_bind is empty")
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(c *gin.Context) {
	status := s.daemon.Status(c.Request.Context())
	c.JSON(http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		RunID:        status.RunID,
		StartedAt:    api.FormatTime(status.StartedAt),
		DatabasePath: status.DatabasePath,
		LockFilePath: status.LockFilePath,
		ArchiveDir:   status.ArchiveDir,
		Endpoint:     status.Endpoint,
		Monitor:      api.FromMonitorStatus(status.Monitor),
		Dispatch:     api.FromDispatchCounters(status.Dispatch),
		Intake:       api.IntakeCounters(status.Intake),
		ProcStats:    api.FromStats(status.ProcStats),
		Preflight:    api.FromPreflight(status.Preflight),
	})
}

func (s *apiServer) handleProcs(c *gin.Context) {
	statuses, ok := parseStatuses(c)
	if !ok {
		return
	}
	records, err := s.daemon.store.ReadAll(c.Request.Context(), statuses...)
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.ProcListResponse{Items: api.FromRecords(records)})
}

func (s *apiServer) handleClearProcs(c *gin.Context) {
	statuses, ok := parseStatuses(c)
	if !ok {
		return
	}
	if len(statuses) != 1 || statuses[0] != procs.StatusUploaded {
		s.writeError(c, http.StatusBadRequest, errors.New("only status=uploaded records can be cleared"))
		return
	}
	removed, err := s.daemon.store.ClearUploaded(c.Request.Context())
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.ClearResponse{Removed: removed})
}

func (s *apiServer) handleSessions(c *gin.Context) {
	now := s.daemon.registry.Now()
	snaps := s.daemon.registry.List()
	views := make([]api.SessionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, api.FromSnapshot(snap, now))
	}
	c.JSON(http.StatusOK, api.SessionListResponse{Sessions: views})
}

func (s *apiServer) handleRetry(c *gin.Context) {
	patientID := strings.TrimSpace(c.Param("id"))
	sessionFound, updated, err := s.daemon.Retry(c.Request.Context(), patientID)
	if err != nil {
		status := http.StatusInternalServerError
		if services.IsBenign(err) {
			status = http.StatusNotFound
		}
		s.writeError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, api.RetryResponse{PatientID: patientID, SessionFound: sessionFound, RecordUpdated: updated})
}

func (s *apiServer) handleFlush(c *gin.Context) {
	result := s.daemon.Flush(c.Request.Context())
	c.JSON(http.StatusOK, api.FromTickResult(result))
}

func (s *apiServer) writeError(c *gin.Context, status int, err error) {
	requestID, _ := services.RequestIDFromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			logging.String("path", c.FullPath()),
			logging.String(logging.FieldCorrelationID, requestID),
			logging.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: err.Error(), RequestID: requestID})
}

func parseStatuses(c *gin.Context) ([]procs.Status, bool) {
	var statuses []procs.Status
	for _, value := range c.QueryArray("status") {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := procs.ParseStatus(value)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("unknown status %q", value)})
			return nil, false
		}
		statuses = append(statuses, status)
	}
	return statuses, true
}
