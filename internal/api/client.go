package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ErrAPIUnavailable is returned when no daemon answers on the API bind.
var ErrAPIUnavailable = errors.New("daemon API unavailable")

// IdempotencyHeader carries a client-chosen key that makes ingest retries safe.
const IdempotencyHeader = "Idempotency-Key"

// RequestIDHeader carries the id the daemon assigned to a request.
const RequestIDHeader = "X-Request-Id"

// Client talks to the daemon HTTP API.
type Client struct {
	base *url.URL
	http *http.Client
}

// IngestRequest describes a local file to hand to the daemon.
type IngestRequest struct {
	Path           string
	PatientID      string
	PatientName    string
	Fields         map[string]string
	IdempotencyKey string
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned status %d: %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the given bind address ("host:port" or URL).
func NewClient(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, errors.New("api bind address is empty")
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{base: base, http: &http.Client{Timeout: 10 * time.Minute}}, nil
}

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// Procs lists records, optionally filtered by status.
func (c *Client) Procs(ctx context.Context, statuses ...string) ([]ProcRecord, error) {
	values := url.Values{}
	for _, s := range statuses {
		if s = strings.TrimSpace(s); s != "" {
			values.Add("status", s)
		}
	}
	var out ProcListResponse
	err := c.do(ctx, http.MethodGet, "/api/procs", values, nil, &out)
	return out.Items, err
}

// ClearUploaded removes uploaded records.
func (c *Client) ClearUploaded(ctx context.Context) (int64, error) {
	var out ClearResponse
	err := c.do(ctx, http.MethodDelete, "/api/procs", url.Values{"status": {"uploaded"}}, nil, &out)
	return out.Removed, err
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	var out SessionListResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, nil, &out)
	return out.Sessions, err
}

// Retry requeues a failed patient.
func (c *Client) Retry(ctx context.Context, patientID string) (RetryResponse, error) {
	var out RetryResponse
	err := c.do(ctx, http.MethodPost, "/api/procs/"+patientID+"/retry", nil, nil, &out)
	return out, err
}

// Flush runs one monitor tick on the daemon and waits for it.
func (c *Client) Flush(ctx context.Context) (FlushResponse, error) {
	var out FlushResponse
	err := c.do(ctx, http.MethodPost, "/api/flush", nil, nil, &out)
	return out, err
}

// Ingest uploads a local file to the daemon's ingest endpoint.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	file, err := os.Open(req.Path)
	if err != nil {
		return IngestResponse{}, fmt.Errorf("open %s: %w", req.Path, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{"patient_id": req.PatientID, "patient_name": req.PatientName}
	for k, v := range req.Fields {
		fields[k] = v
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return IngestResponse{}, err
		}
	}
	part, err := writer.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return IngestResponse{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return IngestResponse{}, fmt.Errorf("read %s: %w", req.Path, err)
	}
	if err := writer.Close(); err != nil {
		return IngestResponse{}, err
	}

	headers := http.Header{"Content-Type": {writer.FormDataContentType()}}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers.Set(IdempotencyHeader, key)
	}
	var out IngestResponse
	err = c.do(ctx, http.MethodPost, "/api/ingest", nil, &body, &out, headers)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any, headers ...http.Header) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for _, h := range headers {
		for k, v := range h {
			req.Header[k] = v
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		_ = sonic.Unmarshal(data, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsAPIUnavailable reports whether err means no daemon is listening.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
