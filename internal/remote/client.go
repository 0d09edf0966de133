// Package remote is a client for the remote tracker's JSON resource API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout bounds every request.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxRetries applies to idempotent GETs only.
	DefaultMaxRetries = 3
	// DefaultPageLimit is the remote API's page size cap.
	DefaultPageLimit = 100
	// APIKeyHeader carries the API key.
	APIKeyHeader = "X-Redmine-API-Key"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Client talks to one remote site. It is built per invocation and never
// mutated afterwards, so concurrent pairings each hold their own.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	httpClient    *http.Client
	timeout       time.Duration
	maxRetries    uint64
	retryInterval time.Duration
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", opts.BaseURL)
	}
	c := &Client{
		baseURL:       u,
		apiKey:        opts.APIKey,
		httpClient:    opts.HTTPClient,
		timeout:       opts.Timeout,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 500 * time.Millisecond
	}
	return c, nil
}

// BaseURL returns the site root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

// doRequest performs one HTTP exchange and classifies failures.
func (c *Client) doRequest(ctx context.Context, r request) ([]byte, error) {
	op := r.method + " " + r.path
	reqURL := c.baseURL.String() + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var payload struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(respBody, &payload)
		if len(payload.Errors) == 0 {
			payload.Errors = []string{strings.TrimSpace(string(respBody))}
		}
		return nil, &RejectedError{Op: op, Errors: payload.Errors}
	default:
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: string(respBody)}
	}
}

// get retries throttling and gateway errors with exponential backoff.
// Timeouts are never retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = 30 * time.Second

	var body []byte
	err := backoff.Retry(func() error {
		var err error
		body, err = c.doRequest(ctx, request{method: http.MethodGet, path: path, query: query})
		var statusErr *StatusError
		if errors.As(err, &statusErr) && retryableStatus(statusErr.Code) {
			return err // Retryable - backoff will retry
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), c.maxRetries))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: failed to decode response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	respBody, err := c.doRequest(ctx, request{method: method, path: path, body: body, contentType: contentType})
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// ListIssues returns one page of issues matching q.
func (c *Client) ListIssues(ctx context.Context, q IssueQuery) (*IssueList, error) {
	query := url.Values{}
	if q.ProjectID != 0 {
		query.Set("project_id", strconv.Itoa(q.ProjectID))
	}
	if !q.UpdatedSince.IsZero() {
		query.Set("updated_on", ">="+q.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if q.Sort != "" {
		query.Set("sort", q.Sort)
	}
	limit := q.Limit
	if limit <= 0 || limit > DefaultPageLimit {
		limit = DefaultPageLimit
	}
	query.Set("limit", strconv.Itoa(limit))
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.AllStatuses {
		query.Set("status_id", "*")
	}

	var list IssueList
	if err := c.get(ctx, "/issues.json", query, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetIssue loads one issue with the requested nested collections
// (journals, attachments, relations, watchers).
func (c *Client) GetIssue(ctx context.Context, id int, include ...string) (*Issue, error) {
	query := url.Values{}
	if len(include) > 0 {
		query.Set("include", strings.Join(include, ","))
	}
	var wrapper struct {
		Issue Issue `json:"issue"`
	}
	if err := c.get(ctx, fmt.Sprintf("/issues/%d.json", id), query, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Issue, nil
}

// CreateIssue creates an issue and returns it as stored remotely.
func (c *Client) CreateIssue(ctx context.Context, payload IssuePayload) (*Issue, error) {
	var wrapper struct {
		Issue Issue `json:"issue"`
	}
	body := map[string]interface{}{"issue": payload}
	if err := c.send(ctx, http.MethodPost, "/issues.json", body, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Issue, nil
}

// UpdateIssue applies payload to an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, id int, payload IssuePayload) error {
	body := map[string]interface{}{"issue": payload}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("/issues/%d.json", id), body, nil)
}

// ListProjects returns every visible project, following pagination.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	offset := 0
	for {
		var page struct {
			Projects   []Project `json:"projects"`
			TotalCount int       `json:"total_count"`
		}
		query := url.Values{"limit": {strconv.Itoa(DefaultPageLimit)}, "offset": {strconv.Itoa(offset)}}
		if err := c.get(ctx, "/projects.json", query, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Projects...)
		offset += len(page.Projects)
		if len(page.Projects) == 0 || offset >= page.TotalCount {
			return all, nil
		}
	}
}

// ListTrackers returns every tracker.
func (c *Client) ListTrackers(ctx context.Context) ([]Tracker, error) {
	var wrapper struct {
		Trackers []Tracker `json:"trackers"`
	}
	if err := c.get(ctx, "/trackers.json", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Trackers, nil
}

// ListIssueStatuses returns every issue status.
func (c *Client) ListIssueStatuses(ctx context.Context) ([]IssueStatus, error) {
	var wrapper struct {
		IssueStatuses []IssueStatus `json:"issue_statuses"`
	}
	if err := c.get(ctx, "/issue_statuses.json", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.IssueStatuses, nil
}

// ListIssuePriorities returns every issue priority.
func (c *Client) ListIssuePriorities(ctx context.Context) ([]IssuePriority, error) {
	var wrapper struct {
		IssuePriorities []IssuePriority `json:"issue_priorities"`
	}
	if err := c.get(ctx, "/enumerations/issue_priorities.json", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.IssuePriorities, nil
}

// ListCustomFields returns every custom field definition.
func (c *Client) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	var wrapper struct {
		CustomFields []CustomField `json:"custom_fields"`
	}
	if err := c.get(ctx, "/custom_fields.json", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.CustomFields, nil
}

// CurrentUser returns the account the API key belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var wrapper struct {
		User User `json:"user"`
	}
	if err := c.get(ctx, "/users/current.json", nil, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.User, nil
}

// Upload sends raw bytes and returns the token a later issue update consumes.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	query := url.Values{"filename": {filename}}
	respBody, err := c.doRequest(ctx, request{
		method:      http.MethodPost,
		path:        "/uploads.json",
		query:       query,
		body:        content,
		contentType: "application/octet-stream",
	})
	if err != nil {
		return "", err
	}
	var wrapper struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	if err := json.Unmarshal(respBody, &wrapper); err != nil {
		return "", fmt.Errorf("POST /uploads.json: failed to decode response: %w", err)
	}
	if wrapper.Upload.Token == "" {
		return "", fmt.Errorf("POST /uploads.json: empty upload token")
	}
	return wrapper.Upload.Token, nil
}

// Download fetches an attachment's bytes. The content URL is re-rooted on the
// configured base URL so a remote that advertises another host name is still
// reached through the configured one.
func (c *Client) Download(ctx context.Context, contentURL string) ([]byte, error) {
	u, err := url.Parse(contentURL)
	if err != nil {
		return nil, fmt.Errorf("invalid content URL %q: %w", contentURL, err)
	}
	path := u.EscapedPath()
	if basePath := c.baseURL.EscapedPath(); basePath != "" {
		path = strings.TrimPrefix(path, basePath)
	}
	return c.doRequest(ctx, request{method: http.MethodGet, path: path, query: u.Query()})
}

// CreateRelation adds a relation from issueID.
func (c *Client) CreateRelation(ctx context.Context, issueID int, payload RelationPayload) (*Relation, error) {
	var wrapper struct {
		Relation Relation `json:"relation"`
	}
	body := map[string]interface{}{"relation": payload}
	if err := c.send(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/relations.json", issueID), body, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Relation, nil
}

// DeleteRelation removes a relation by id.
func (c *Client) DeleteRelation(ctx context.Context, relationID int) error {
	return c.send(ctx, http.MethodDelete, fmt.Sprintf("/relations/%d.json", relationID), nil, nil)
}

// AddWatcher subscribes a remote user to an issue.
func (c *Client) AddWatcher(ctx context.Context, issueID, userID int) error {
	body := map[string]int{"user_id": userID}
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/watchers.json", issueID), body, nil)
}

// RemoveWatcher unsubscribes a remote user from an issue.
func (c *Client) RemoveWatcher(ctx context.Context, issueID, userID int) error {
	return c.send(ctx, http.MethodDelete, fmt.Sprintf("/issues/%d/watchers/%d.json", issueID, userID), nil, nil)
}
