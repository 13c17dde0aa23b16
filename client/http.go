package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// HTTPClient talks to the board API over HTTP. It satisfies the API
// interface used by Board.
type HTTPClient struct {
	base  string
	token string
	hc    *http.Client
}

func NewHTTPClient(base, token string) *HTTPClient {
	return &HTTPClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	var tasks []domain.Task
	url := fmt.Sprintf("%s/api/projects/%d/tasks", c.base, projectID)
	if err := c.do(ctx, http.MethodGet, url, "", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, projectID int64, in domain.TaskCreate) (*domain.Task, error) {
	var task domain.Task
	url := fmt.Sprintf("%s/api/projects/%d/tasks", c.base, projectID)
	if err := c.do(ctx, http.MethodPost, url, "", in, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *HTTPClient) MoveTask(ctx context.Context, projectID, taskID int64, status domain.Status, position int, idempotencyKey string) (*domain.Task, error) {
	upd := domain.TaskUpdate{Status: &status, Position: &position}
	return c.UpdateTask(ctx, projectID, taskID, upd, idempotencyKey)
}

func (c *HTTPClient) UpdateTask(ctx context.Context, projectID, taskID int64, upd domain.TaskUpdate, idempotencyKey string) (*domain.Task, error) {
	var task domain.Task
	url := fmt.Sprintf("%s/api/projects/%d/tasks/%d", c.base, projectID, taskID)
	if err := c.do(ctx, http.MethodPatch, url, idempotencyKey, upd, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *HTTPClient) AddMember(ctx context.Context, projectID int64, in domain.MemberAdd) error {
	url := fmt.Sprintf("%s/api/projects/%d/members", c.base, projectID)
	return c.do(ctx, http.MethodPost, url, "", in, nil)
}

func (c *HTTPClient) DeleteTask(ctx context.Context, projectID, taskID int64) error {
	url := fmt.Sprintf("%s/api/projects/%d/tasks/%d", c.base, projectID, taskID)
	return c.do(ctx, http.MethodDelete, url, "", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, url, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

// statusError maps HTTP statuses back onto the domain error taxonomy so
// board code can branch with errors.Is the same way the server does.
func statusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
	}
	return fmt.Errorf("server responded %d: %s", resp.StatusCode, msg)
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no details"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if sonic.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}
