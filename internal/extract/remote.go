package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema describes the response envelope the remote OCR server is
// contracted to return on every route.
const envelopeSchema = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status":  {"type": "string", "enum": ["success", "error"]},
		"message": {"type": "string"},
		"result":  {"type": "object"}
	}
}`

var envelope = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// Config holds remote processor settings.
type Config struct {
	ServerURL string
	Timeout   time.Duration
}

// RemoteProcessor calls the remote OCR server over HTTP. Files are
// uploaded as multipart bodies to /ocr/{pdf|ppt|office}.
type RemoteProcessor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewRemoteProcessor(cfg Config, logger *slog.Logger) *RemoteProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteProcessor{
		baseURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Health probes the server's /health endpoint.
func (p *RemoteProcessor) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("ocr.health.unreachable", "url", p.baseURL, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ocr server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Process uploads the file to the route for fileType and decodes the
// response envelope. A server-reported failure comes back as a Result
// with Success=false, not an error.
func (p *RemoteProcessor) Process(ctx context.Context, path, fileType string) (Result, error) {
	out := Result{FilePath: path}

	route, ok := routeFor(fileType)
	if !ok {
		return out, fmt.Errorf("unsupported file type: %q", fileType)
	}
	if _, err := os.Stat(path); err != nil {
		return out, fmt.Errorf("source file: %w", err)
	}

	reqID := uuid.New().String()
	start := time.Now()
	p.logger.Info("ocr.request", "req_id", reqID, "route", route, "path", path)

	raw, statusCode, err := p.upload(ctx, route, path)
	if err != nil {
		p.logger.Error("ocr.send_error", "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return out, err
	}
	p.logger.Info("ocr.response", "req_id", reqID, "status", statusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if statusCode/100 != 2 {
		return out, fmt.Errorf("ocr server error: status %d", statusCode)
	}

	var decoded struct {
		Status  string         `json:"status"`
		Message string         `json:"message"`
		Result  map[string]any `json:"result"`
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	if err := envelope.Validate(v); err != nil {
		return out, fmt.Errorf("response does not match envelope: %w", err)
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}

	out.Message = decoded.Message
	out.Payload = decoded.Result
	out.Success = decoded.Status == "success"
	return out, nil
}

func (p *RemoteProcessor) upload(ctx context.Context, route, path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, 0, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, 0, fmt.Errorf("read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/ocr/"+route, &body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.Warn("ocr.response_body_close_error", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func routeFor(fileType string) (string, bool) {
	switch fileType {
	case "pdf", "ppt", "office":
		return fileType, true
	default:
		return "", false
	}
}
