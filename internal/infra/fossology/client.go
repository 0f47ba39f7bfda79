// Package fossology implements clearing.RemoteTool against the FOSSology
// REST API (v1).
package fossology

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

const (
	defaultVersionPrefix = "1."
	defaultTimeout       = 60 * time.Second
	defaultRateLimit     = 5
	defaultBurst         = 10

	reportFormatSPDX2 = "spdx2"

	opUpload = "upload"
)

// Config holds the connection settings for a FOSSology instance.
type Config struct {
	// BaseURL is the API root, e.g. https://fossology.example.com/repo/api/v1.
	BaseURL string
	// Token is the bearer token used for every request.
	Token string
	// FolderID is the destination folder for uploads and the scope of
	// duplicate searches.
	FolderID string
	// Group is sent as groupName when set.
	Group string

	// VersionPrefix is the API version prefix CheckConnection accepts.
	VersionPrefix  string
	RequestTimeout time.Duration
	// RateLimit is the number of requests per second; Burst the bucket size.
	RateLimit float64
	Burst     int
	// UploadRateLimit additionally caps uploads per second. Zero leaves
	// uploads under RateLimit only.
	UploadRateLimit float64
}

func (c Config) configured() bool {
	return c.BaseURL != "" && c.Token != "" && c.FolderID != ""
}

// Client talks to FOSSology. It holds no per-release state and is safe for
// concurrent use.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

var _ clearing.RemoteTool = (*Client)(nil)

// NewClient creates a client. A nil httpClient gets one with an otelhttp
// transport and cfg.RequestTimeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.VersionPrefix == "" {
		cfg.VersionPrefix = defaultVersionPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.RequestTimeout,
		}
	}

	limiter := common.NewRateLimiter(cfg.RateLimit, cfg.Burst)
	limiter.SetKeyLimit(opUpload, cfg.UploadRateLimit, 1)

	return &Client{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		rateLimiter: limiter,
		logger:      logger.With("component", "fossology_client"),
		tracer:      tracer,
	}
}

// wait holds the caller until the limiter admits op, recording the delay.
func (c *Client) wait(ctx context.Context, op string) error {
	ctx, span := c.tracer.Start(ctx, "fossology.rate_limit_wait",
		trace.WithAttributes(attribute.String("operation", op)))
	defer span.End()

	waited, err := c.rateLimiter.Wait(ctx, op)
	span.SetAttributes(attribute.Int64("waited_ms", waited.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return remoteErr(op, 0, "rate limiter wait failed", err)
	}
	if waited > time.Second {
		c.logger.Debug(ctx, "throttled by rate limiter", "op", op, "waited", waited)
	}
	return nil
}

// CheckConnection verifies that GET /info reports a supported version and
// that the destination folder is reachable.
func (c *Client) CheckConnection(ctx context.Context) (bool, error) {
	const op = "check_connection"
	ctx, span := c.startSpan(ctx, op)
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return false, err
	}

	var info infoResponse
	status, err := c.doJSON(ctx, op, http.MethodGet, "/info", nil, nil, &info)
	if err != nil {
		return false, c.fail(span, err)
	}
	if status != http.StatusOK {
		return false, c.fail(span, remoteErr(op, status, "unexpected status for /info", nil))
	}
	if !strings.HasPrefix(info.Version, c.cfg.VersionPrefix) {
		return false, c.fail(span, remoteErr(op, status,
			fmt.Sprintf("unsupported version %q, want prefix %q", info.Version, c.cfg.VersionPrefix), nil))
	}
	span.SetAttributes(attribute.String("fossology.version", info.Version))

	status, err = c.doJSON(ctx, op, http.MethodGet, "/folders/"+url.PathEscape(c.cfg.FolderID), nil, nil, nil)
	if err != nil {
		return false, c.fail(span, err)
	}
	if status != http.StatusOK {
		return false, c.fail(span, remoteErr(op, status, "folder "+c.cfg.FolderID+" not reachable", nil))
	}

	span.SetStatus(codes.Ok, "connection verified")
	return true, nil
}

// FindUpload looks for an earlier upload of the same content. The sha1 is
// searched first; candidates are then narrowed to the destination folder and
// filename, preferring the newest (highest) upload id.
func (c *Client) FindUpload(ctx context.Context, sha1, filename string) (string, bool, error) {
	const op = "find_upload"
	ctx, span := c.startSpan(ctx, op, attribute.String("sha1", sha1), attribute.String("filename", filename))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return "", false, err
	}

	var results []fileSearchResult
	status, err := c.doJSON(ctx, op, http.MethodPost, "/filesearch", nil, []fileSearchRequest{{SHA1: sha1}}, &results)
	if err != nil {
		return "", false, c.fail(span, err)
	}
	if status != http.StatusOK {
		return "", false, c.fail(span, remoteErr(op, status, "unexpected status for /filesearch", nil))
	}

	var candidates []int
	for _, r := range results {
		candidates = append(candidates, r.Uploads...)
	}
	if len(candidates) == 0 {
		span.SetStatus(codes.Ok, "no duplicate upload")
		return "", false, nil
	}

	var uploads []upload
	query := url.Values{"folderId": {c.cfg.FolderID}}
	status, err = c.doJSON(ctx, op, http.MethodGet, "/uploads?"+query.Encode(), nil, nil, &uploads)
	if err != nil {
		return "", false, c.fail(span, err)
	}
	if status != http.StatusOK {
		return "", false, c.fail(span, remoteErr(op, status, "unexpected status for /uploads", nil))
	}

	folderID, _ := strconv.Atoi(c.cfg.FolderID)
	best := -1
	for _, u := range uploads {
		if !slices.Contains(candidates, u.ID) || u.FolderID != folderID || u.UploadName != filename {
			continue
		}
		best = max(best, u.ID)
	}
	if best < 0 {
		span.SetStatus(codes.Ok, "no duplicate upload in folder")
		return "", false, nil
	}

	id := strconv.Itoa(best)
	span.SetAttributes(attribute.String("upload_id", id))
	span.SetStatus(codes.Ok, "duplicate upload found")
	return id, true, nil
}

// UploadAndScan uploads content into the destination folder and asks
// FOSSology to schedule a scan right away.
func (c *Client) UploadAndScan(ctx context.Context, filename string, content io.Reader, description string) (string, error) {
	const op = opUpload
	ctx, span := c.startSpan(ctx, op, attribute.String("filename", filename))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return "", err
	}

	body, contentType, sent := uploadBody(filename, content)
	defer body.Close()

	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("folderId", c.cfg.FolderID)
	headers.Set("uploadDescription", description)
	headers.Set("uploadType", "file")
	headers.Set("public", "protected")

	var msg messageResponse
	status, err := c.doJSON(ctx, op, http.MethodPost, "/uploads", headers, body, &msg)
	if err != nil {
		return "", c.fail(span, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", c.fail(span, remoteErr(op, status, msg.text(), nil))
	}
	id, err := msg.numericID()
	if err != nil {
		return "", c.fail(span, remoteErr(op, status, "", err))
	}

	span.SetAttributes(attribute.String("upload_id", id), attribute.Int64("request_size", sent.Load()))
	span.SetStatus(codes.Ok, "uploaded")
	c.logger.Info(ctx, "source uploaded", "upload_id", id, "filename", filename)
	return id, nil
}

// uploadBody streams the multipart upload through a pipe so the archive is
// never held in memory. sent counts the bytes handed to the transport once
// the request completes. Closing the returned reader stops the writer.
func uploadBody(filename string, content io.Reader) (body io.ReadCloser, contentType string, sent *atomic.Int64) {
	pr, pw := io.Pipe()
	sent = new(atomic.Int64)
	counted := &countingWriter{w: pw, n: sent}
	w := multipart.NewWriter(counted)

	go func() {
		pw.CloseWithError(writeUploadParts(w, filename, content))
	}()
	return pr, w.FormDataContentType(), sent
}

func writeUploadParts(w *multipart.Writer, filename string, content io.Reader) error {
	part, err := w.CreateFormFile("fileInput", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="scanOptions"`)
	h.Set("Content-Type", "application/json")
	optsPart, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(optsPart).Encode(defaultScanOptions()); err != nil {
		return err
	}
	return w.Close()
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// LatestJobID returns the newest job of an upload. The upload response does
// not carry it.
func (c *Client) LatestJobID(ctx context.Context, uploadID string) (string, error) {
	const op = "latest_job"
	ctx, span := c.startSpan(ctx, op, attribute.String("upload_id", uploadID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return "", err
	}

	var jobs []job
	query := url.Values{"upload": {uploadID}, "sort": {"DESC"}}
	status, err := c.doJSON(ctx, op, http.MethodGet, "/jobs?"+query.Encode(), nil, nil, &jobs)
	if err != nil {
		return "", c.fail(span, err)
	}
	if status != http.StatusOK {
		return "", c.fail(span, remoteErr(op, status, "unexpected status for /jobs", nil))
	}
	if len(jobs) == 0 {
		return "", c.fail(span, remoteErr(op, status, "", errEmptyJobList))
	}

	id := jobIDString(jobs[0].ID)
	span.SetAttributes(attribute.String("job_id", id))
	span.SetStatus(codes.Ok, "job resolved")
	return id, nil
}

// StartScan schedules the standard scan for an existing upload.
func (c *Client) StartScan(ctx context.Context, uploadID string) (string, error) {
	const op = "start_scan"
	ctx, span := c.startSpan(ctx, op, attribute.String("upload_id", uploadID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return "", err
	}

	headers := http.Header{}
	headers.Set("folderId", c.cfg.FolderID)
	headers.Set("uploadId", uploadID)

	var msg messageResponse
	status, err := c.doJSON(ctx, op, http.MethodPost, "/jobs", headers, defaultScanOptions(), &msg)
	if err != nil {
		return "", c.fail(span, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", c.fail(span, remoteErr(op, status, msg.text(), nil))
	}
	id, err := msg.numericID()
	if err != nil {
		return "", c.fail(span, remoteErr(op, status, "", err))
	}

	span.SetAttributes(attribute.String("job_id", id))
	span.SetStatus(codes.Ok, "scan scheduled")
	return id, nil
}

// ScanStatus polls a job.
func (c *Client) ScanStatus(ctx context.Context, jobID string) (clearing.ScanStatus, error) {
	const op = "scan_status"
	ctx, span := c.startSpan(ctx, op, attribute.String("job_id", jobID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return clearing.ScanStatus{}, err
	}

	var j job
	status, err := c.doJSON(ctx, op, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil, &j)
	if err != nil {
		return clearing.ScanStatus{}, c.fail(span, err)
	}
	if status != http.StatusOK {
		return clearing.ScanStatus{}, c.fail(span, remoteErr(op, status, "unexpected status for /jobs/{id}", nil))
	}
	if j.Status == "" {
		return clearing.ScanStatus{}, c.fail(span, remoteErr(op, status, "job has no status", nil))
	}

	span.SetAttributes(attribute.String("scan_status", j.Status))
	span.SetStatus(codes.Ok, "scan status retrieved")
	return clearing.ScanStatus{Status: j.Status, ETA: j.ETA}, nil
}

// StartReport requests an SPDX2 report. FOSSology answers 201 with the
// download URL in the message; its last segment is the report id.
func (c *Client) StartReport(ctx context.Context, uploadID string) (string, error) {
	const op = "start_report"
	ctx, span := c.startSpan(ctx, op, attribute.String("upload_id", uploadID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return "", err
	}

	headers := http.Header{}
	headers.Set("uploadId", uploadID)
	headers.Set("reportFormat", reportFormatSPDX2)

	var msg messageResponse
	status, err := c.doJSON(ctx, op, http.MethodGet, "/report", headers, nil, &msg)
	if err != nil {
		return "", c.fail(span, err)
	}
	if status != http.StatusCreated {
		return "", c.fail(span, remoteErr(op, status, msg.text(), nil))
	}
	id, err := reportIDFromURL(msg.text())
	if err != nil {
		return "", c.fail(span, remoteErr(op, status, "", err))
	}

	span.SetAttributes(attribute.String("report_id", id))
	span.SetStatus(codes.Ok, "report requested")
	return id, nil
}

// DownloadReport fetches a report. A 503 or an empty body means FOSSology is
// still generating it and yields clearing.ErrReportNotReady.
func (c *Client) DownloadReport(ctx context.Context, reportID string) (*clearing.Report, error) {
	const op = "download_report"
	ctx, span := c.startSpan(ctx, op, attribute.String("report_id", reportID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, op, http.MethodGet, "/report/"+url.PathEscape(reportID), nil, nil)
	if err != nil {
		return nil, c.fail(span, err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		resp.Body.Close()
		span.SetStatus(codes.Ok, "report not ready")
		return nil, clearing.ErrReportNotReady
	case resp.StatusCode != http.StatusOK:
		msg := drainMessage(resp.Body)
		resp.Body.Close()
		return nil, c.fail(span, remoteErr(op, resp.StatusCode, msg, nil))
	}

	br := bufio.NewReader(resp.Body)
	if _, err := br.Peek(1); err != nil {
		resp.Body.Close()
		if err == io.EOF {
			span.SetStatus(codes.Ok, "report empty")
			return nil, clearing.ErrReportNotReady
		}
		return nil, c.fail(span, remoteErr(op, resp.StatusCode, "read report", err))
	}

	span.SetStatus(codes.Ok, "report downloaded")
	return &clearing.Report{
		Filename:    reportFilename(resp.Header.Get("Content-Disposition"), reportID),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        readCloser{Reader: br, Closer: resp.Body},
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func reportFilename(disposition, reportID string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return "fossology-report-" + reportID + ".rdf.xml"
}

// UnpackStatus polls GET /uploads/{id}: 200 is complete, 503 with a Look-at
// header is still unpacking, anything else failed.
func (c *Client) UnpackStatus(ctx context.Context, uploadID string) (clearing.UnpackStatus, error) {
	const op = "unpack_status"
	ctx, span := c.startSpan(ctx, op, attribute.String("upload_id", uploadID))
	defer span.End()

	if err := c.requireConfig(span); err != nil {
		return clearing.UnpackFailed, err
	}

	resp, err := c.do(ctx, op, http.MethodGet, "/uploads/"+url.PathEscape(uploadID), nil, nil)
	if err != nil {
		return clearing.UnpackFailed, c.fail(span, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	var st clearing.UnpackStatus
	switch {
	case resp.StatusCode == http.StatusOK:
		st = clearing.UnpackCompleted
	case resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Look-at") != "":
		st = clearing.UnpackProcessing
	default:
		st = clearing.UnpackFailed
	}

	span.SetAttributes(attribute.String("unpack_status", string(st)))
	span.SetStatus(codes.Ok, "unpack status retrieved")
	return st, nil
}

func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "fossology_client."+op, trace.WithAttributes(attrs...))
}

func (c *Client) requireConfig(span trace.Span) error {
	if c.cfg.configured() {
		return nil
	}
	span.RecordError(clearing.ErrToolNotConfigured)
	span.SetStatus(codes.Error, "fossology not configured")
	return clearing.ErrToolNotConfigured
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// do issues a request after waiting on the rate limiter. body may be nil, an
// io.Reader sent as is, or a value encoded as JSON.
func (c *Client) do(
	ctx context.Context,
	op, method, endpoint string,
	headers http.Header,
	body any,
) (*http.Response, error) {
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, remoteErr(op, 0, "marshal request", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, remoteErr(op, 0, "create request", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if c.cfg.Group != "" {
		req.Header.Set("groupName", c.cfg.Group)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remoteErr(op, 0, method+" "+endpoint, err)
	}
	return resp, nil
}

// doJSON issues a request and decodes a JSON body into out when out is
// non-nil. Error payloads are decoded on a best-effort basis so callers can
// report them; only transport and decode failures are returned as errors.
func (c *Client) doJSON(
	ctx context.Context,
	op, method, endpoint string,
	headers http.Header,
	body any,
	out any,
) (int, error) {
	resp, err := c.do(ctx, op, method, endpoint, headers, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, remoteErr(op, resp.StatusCode, "read response", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.StatusCode, remoteErr(op, resp.StatusCode, "decode response", err)
		}
		// Non-2xx bodies are not guaranteed to match out.
		c.logger.Debug(ctx, "undecodable error body", "op", op, "status", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func drainMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var msg messageResponse
	if err := json.Unmarshal(data, &msg); err == nil && len(msg.Message) > 0 {
		return msg.text()
	}
	return strings.TrimSpace(string(data))
}
