package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stellar-build/stellar/internal/build"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client calls the routes served by Server.
type Client struct {
	baseURL string
	timeout time.Duration
}

// NewClient validates baseURL, e.g. http://127.0.0.1:42800. Non positive
// timeout means DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: u.String(),
		timeout: timeout,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) Start(ctx context.Context, command build.Command) (build.JobID, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/api/build/start", command, &resp); err != nil {
		return "", err
	}
	return resp.BuildID, nil
}

func (c *Client) Status(ctx context.Context, id build.JobID) (build.Status, error) {
	var status build.Status
	err := c.do(ctx, http.MethodGet, "/api/build/"+url.PathEscape(id.String())+"/status", nil, &status)
	return status, err
}

func (c *Client) Logs(ctx context.Context, id build.JobID, cursor int) (build.LogChunk, error) {
	var chunk build.LogChunk
	endpoint := "/api/build/" + url.PathEscape(id.String()) + "/logs?from=" + strconv.Itoa(cursor)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &chunk)
	return chunk, err
}

// Cancel returns false without an error when the build is not running.
func (c *Client) Cancel(ctx context.Context, id build.JobID) (bool, error) {
	err := c.do(ctx, http.MethodPost, "/api/build/"+url.PathEscape(id.String())+"/cancel", nil, nil)
	var ferr *fiber.Error
	if errors.As(err, &ferr) && ferr.Code == fiber.StatusConflict {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) Builds(ctx context.Context) ([]build.Summary, error) {
	var ret []build.Summary
	err := c.do(ctx, http.MethodGet, "/api/builds", nil, &ret)
	return ret, err
}

func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	var ret []HistoryEntry
	err := c.do(ctx, http.MethodGet, "/api/history?limit="+strconv.Itoa(limit), nil, &ret)
	return ret, err
}

// do sends the request and decodes the response into v. Non 2xx answers are
// returned as *fiber.Error, 404 additionally wraps build.ErrNotFound.
func (c *Client) do(ctx context.Context, method, endpoint string, body, v any) error {
	var agent *fiber.Agent
	switch method {
	case http.MethodGet:
		agent = fiber.Get(c.baseURL + endpoint)
	case http.MethodPost:
		agent = fiber.Post(c.baseURL + endpoint)
	default:
		return fmt.Errorf("unsupported HTTP method: %s", method)
	}

	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(c.timeout)
	}
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if body != nil {
		agent.JSON(body)
	}

	statusCode, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("error sending request: %w", errors.Join(errs...))
	}

	if statusCode < 200 || statusCode >= 300 {
		ferr := &fiber.Error{Code: statusCode, Message: "unknown error"}
		var errResp errorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
			ferr.Message = errResp.Error
		}
		if statusCode == fiber.StatusNotFound {
			return fmt.Errorf("%w: %w", build.ErrNotFound, ferr)
		}
		return ferr
	}

	if v != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}
	return nil
}
