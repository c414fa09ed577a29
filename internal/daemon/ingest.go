package daemon

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"radiolink/internal/api"
	"radiolink/internal/intake"
	"radiolink/internal/logging"
	"radiolink/internal/services"
	"radiolink/internal/study"
)

// multipartOverhead is headroom for form fields on top of intake.max_file_mb.
const multipartOverhead = 1 << 20

// handleIngest stores one uploaded study file. A 200 answer means the file is
// inside the patient's archive; any other answer means the sender must resend.
func (s *apiServer) handleIngest(c *gin.Context) {
	ctx := c.Request.Context()
	requestID, _ := services.RequestIDFromContext(ctx)

	key := strings.TrimSpace(c.GetHeader(api.IdempotencyHeader))
	if key != "" {
		if cached := s.daemon.idempotency.Get(key); cached != nil {
			dup := *cached
			dup.Duplicate = true
			c.JSON(http.StatusOK, dup)
			return
		}
	}

	if limit := s.daemon.cfg.MaxFileBytes(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	header, err := c.FormFile("file")
	if err != nil {
		s.rejectIngest(c, err)
		return
	}
	patientID := strings.TrimSpace(c.PostForm("patient_id"))
	if patientID == "" {
		s.rejectIngest(c, errors.New("patient_id is required"))
		return
	}
	meta := study.FromForm(c.PostForm)

	file, err := header.Open()
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, err)
		return
	}
	path, err := s.daemon.pipeline.Stage(patientID, meta, header.Filename, file)
	file.Close()
	if err != nil {
		s.rejectIngest(c, err)
		return
	}

	err = s.daemon.pipeline.Receive(ctx, intake.Arrival{
		PatientID:   patientID,
		PatientName: c.PostForm("patient_name"),
		FilePath:    path,
		Study:       meta,
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			_ = os.Remove(path)
			s.rejectIngest(c, err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, err)
		return
	}

	resp := api.IngestResponse{RequestID: requestID, PatientID: patientID}
	if snap, ok := s.daemon.registry.Get(patientID); ok {
		resp.Images = snap.ImageCount
	}
	if key != "" {
		s.daemon.idempotency.Set(key, &resp)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *apiServer) rejectIngest(c *gin.Context, err error) {
	s.logger.Debug("ingest rejected", logging.Error(err))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(c, http.StatusRequestEntityTooLarge, err)
		return
	}
	s.writeError(c, http.StatusBadRequest, err)
}
