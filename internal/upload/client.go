// Package upload transmits patient archives to the remote endpoint as a
// multipart form: the archive in the "file" field plus one form field per
// metadata value.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"radiolink/internal/config"
	"radiolink/internal/logging"
	"radiolink/internal/services"
	"radiolink/internal/study"
)

const (
	component       = "upload"
	defaultTimeout  = 10 * time.Minute
	maxErrorBodyLen = 512
)

// Options configures a Client.
type Options struct {
	Endpoint      string
	Timeout       time.Duration
	UserAgent     string
	RatePerMinute int
	HTTPClient    *http.Client
}

// Request describes one archive transmission.
type Request struct {
	PatientID   string
	PatientName string
	Images      int
	Study       study.Metadata
	ArchiveName string
	Archive     io.Reader
}

// Result summarizes a successful transmission.
type Result struct {
	StatusCode int
	Bytes      int64
	Duration   time.Duration
}

// StatusError reports a non-2xx response from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client posts archives to the configured endpoint. It is safe for concurrent use.
type Client struct {
	endpoint  string
	timeout   time.Duration
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, "new client", "endpoint is required", nil)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		endpoint:  endpoint,
		timeout:   timeout,
		userAgent: strings.TrimSpace(opts.UserAgent),
		http:      httpClient,
		logger:    logging.NewComponentLogger(logger, component),
	}
	if opts.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}
	return c, nil
}

// NewFromConfig builds a Client from the [upload] config section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	return NewClient(Options{
		Endpoint:      cfg.Upload.Endpoint,
		Timeout:       cfg.UploadTimeout(),
		UserAgent:     cfg.Upload.UserAgent,
		RatePerMinute: cfg.Upload.RatePerMinute,
	}, logger)
}

// Endpoint returns the destination URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Upload streams the archive and metadata to the endpoint. Any 2xx response
// is success. Errors are classified with services markers: ErrTimeout when
// the per-call timeout fires, ErrRemote for non-2xx responses, ErrTransient
// for transport failures.
func (c *Client) Upload(ctx context.Context, req Request) (Result, error) {
	if req.Archive == nil {
		return Result{}, services.Wrap(services.ErrValidation, component, "upload", "archive reader is nil", nil)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, services.Wrap(services.ErrTransient, component, "rate limit", "wait cancelled", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	counter := &countingReader{r: req.Archive}
	go func() {
		pw.CloseWithError(writeForm(writer, req, counter))
	}()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		pr.Close()
		return Result{}, services.Wrap(services.ErrConfiguration, component, "build request", c.endpoint, err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, services.Wrap(services.ErrTimeout, component, "upload", fmt.Sprintf("no response within %s", c.timeout), err)
		}
		return Result{}, services.Wrap(services.ErrTransient, component, "upload", "http request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	result := Result{StatusCode: resp.StatusCode, Bytes: counter.n.Load(), Duration: time.Since(started)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return result, services.Wrap(services.ErrRemote, component, "upload", "endpoint rejected archive", statusErr)
	}

	c.logger.Debug("archive transmitted",
		logging.Patient(req.PatientID),
		logging.Int("status", resp.StatusCode),
		logging.Int64("bytes", counter.n.Load()),
		logging.Duration("duration", result.Duration),
	)
	return result, nil
}

func writeForm(writer *multipart.Writer, req Request, archive io.Reader) error {
	fields := []study.Field{
		{Name: "patient_id", Value: req.PatientID},
		{Name: "patient_name", Value: req.PatientName},
		{Name: "images", Value: strconv.Itoa(req.Images)},
	}
	fields = append(fields, req.Study.FormFields()...)
	for _, f := range fields {
		if err := writer.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}

	name := req.ArchiveName
	if name == "" {
		name = req.PatientID + ".zip"
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create file field: %w", err)
	}
	if _, err := io.Copy(part, archive); err != nil {
		return fmt.Errorf("copy archive: %w", err)
	}
	return writer.Close()
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
