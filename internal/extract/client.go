package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/internal/common"
)

// HTTPError carries a request-level status code from the extraction service.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("extraction service status %d: %s", e.Code, e.Body)
}

// Client talks to the extraction service over HTTP. The per-call deadline is
// supplied by the caller's context: short for fire-and-forget kickoff, long
// for waited batch calls.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Extract submits one document for extraction. A deadline expiry is mapped to
// common.ErrTimedOut: the service keeps working after we stop waiting, so
// callers must not treat it as a failure of the underlying work.
func (c *Client) Extract(ctx context.Context, token string, req Request) (*Result, error) {
	raw, status, err := c.sendJSON(ctx, c.baseURL+"/v1/extract", req, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("extract %s: %w", req.EntryID, common.ErrTimedOut)
		}
		if status != 0 {
			return nil, &HTTPError{Code: status, Body: truncate(raw, 512)}
		}
		return nil, fmt.Errorf("extract %s: %w", req.EntryID, err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	if res.EntryID == uuid.Nil {
		res.EntryID = req.EntryID
	}
	if len(res.Payload) > 0 {
		if err := ValidateResultPayload(res.Payload); err != nil {
			return nil, fmt.Errorf("extraction payload rejected: %w", err)
		}
	}
	return &res, nil
}

// sendJSON posts a JSON body and returns the raw response. Adapted from the
// provider-agnostic LLM transport this service grew out of.
func (c *Client) sendJSON(ctx context.Context, url string, body any, headers map[string]string) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("extract.http.encode_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		c.logger.Error("extract.http.build_request_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Info("extract.http.request", "req_id", reqID, "url", url, "content_length", len(bs))

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("extract.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer func(body io.ReadCloser) {
		if cerr := body.Close(); cerr != nil {
			c.logger.Warn("extract.http.response_body_close_error", "req_id", reqID, "error", cerr)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)

	c.logger.Info("extract.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
