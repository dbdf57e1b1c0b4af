// Package remote talks to the per-account task and activity endpoints.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"prism-sync/domain"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
)

var (
	// ErrNotFound is returned when the server does not know the identity.
	ErrNotFound = errors.New("identity not found")
	// ErrMalformedResponse is returned when the payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError describes a non-successful response other than not-found.
type StatusError struct {
	Code    int
	Message string
	Details []string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("remote status %d", e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Client is a thin request/response wrapper over the remote collections.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger used for dropped-record diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	return c
}

type envelope struct {
	Success    bool                     `json:"success"`
	Message    string                   `json:"message,omitempty"`
	Errors     []string                 `json:"errors,omitempty"`
	Tasks      []sonic.NoCopyRawMessage `json:"tasks,omitempty"`
	Activities []sonic.NoCopyRawMessage `json:"activities,omitempty"`
}

type tasksBody struct {
	Tasks []domain.Task `json:"tasks"`
}

type activitiesBody struct {
	Activities []domain.Activity `json:"activities"`
}

type userBody struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// FetchTasks returns the stored tasks of id.
func (c *Client) FetchTasks(ctx context.Context, id domain.Identity) ([]domain.Task, error) {
	env, err := c.do(ctx, http.MethodGet, collectionPath(domain.CollectionTasks, id), id.Token, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords[domain.Task](c.logger, domain.CollectionTasks, env.Tasks), nil
}

// ReplaceTasks overwrites the stored tasks of id and returns the persisted list.
func (c *Client) ReplaceTasks(ctx context.Context, id domain.Identity, tasks []domain.Task) ([]domain.Task, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	env, err := c.do(ctx, http.MethodPut, collectionPath(domain.CollectionTasks, id), id.Token, tasksBody{Tasks: tasks})
	if err != nil {
		return nil, err
	}
	return decodeRecords[domain.Task](c.logger, domain.CollectionTasks, env.Tasks), nil
}

// FetchActivities returns the stored activities of id.
func (c *Client) FetchActivities(ctx context.Context, id domain.Identity) ([]domain.Activity, error) {
	env, err := c.do(ctx, http.MethodGet, collectionPath(domain.CollectionActivities, id), id.Token, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords[domain.Activity](c.logger, domain.CollectionActivities, env.Activities), nil
}

// ReplaceActivities overwrites the stored activities of id and returns the persisted list.
func (c *Client) ReplaceActivities(ctx context.Context, id domain.Identity, activities []domain.Activity) ([]domain.Activity, error) {
	if activities == nil {
		activities = []domain.Activity{}
	}
	env, err := c.do(ctx, http.MethodPut, collectionPath(domain.CollectionActivities, id), id.Token, activitiesBody{Activities: activities})
	if err != nil {
		return nil, err
	}
	return decodeRecords[domain.Activity](c.logger, domain.CollectionActivities, env.Activities), nil
}

// RegisterUser records the token subject as a known account.
func (c *Client) RegisterUser(ctx context.Context, id domain.Identity) error {
	_, err := c.do(ctx, http.MethodPost, "/api/users", id.Token, userBody{Email: id.Email, Username: id.Username})
	return err
}

func collectionPath(collection string, id domain.Identity) string {
	return "/api/" + collection + "/" + url.PathEscape(id.UserID)
}

func (c *Client) do(ctx context.Context, method, path, token string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	var env envelope
	decodeErr := sonic.Unmarshal(data, &env)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		if decodeErr == nil {
			se.Message = env.Message
			se.Details = env.Errors
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, decodeErr)
	}
	if !env.Success {
		return nil, &StatusError{Code: resp.StatusCode, Message: env.Message, Details: env.Errors}
	}
	return &env, nil
}

// decodeRecords decodes each element separately so one unreadable record
// does not discard the whole list.
func decodeRecords[T any](logger *log.Logger, collection string, raw []sonic.NoCopyRawMessage) []T {
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := sonic.Unmarshal(r, &v); err != nil {
			logger.WithError(err).WithFields(log.Fields{"collection": collection, "index": i}).Warn("dropping unreadable remote record")
			continue
		}
		out = append(out, v)
	}
	return out
}
