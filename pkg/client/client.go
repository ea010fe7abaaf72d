// Package client provides a Go SDK for the Loom HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Emprim-Panth/loom/pkg/models"
)

// Client calls the Loom HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:7337"
	Secret     string       // optional; sent as X-API-Key when set
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL. Secret is optional; when
// set, requests carry the X-API-Key header.
func New(baseURL, secret string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Secret != "" {
		req.Header.Set("X-API-Key", c.Secret)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(method, path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func apiError(method, path string, resp *http.Response) error {
	var errBody struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	if errBody.Error != "" {
		return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
	}
	return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
}

// Health returns the server's health snapshot.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var out models.Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return &out, err
}

// ListTrees returns all trees, most recently updated first.
func (c *Client) ListTrees(ctx context.Context) ([]models.Tree, error) {
	var out []models.Tree
	err := c.doJSON(ctx, http.MethodGet, "/api/trees", nil, &out)
	return out, err
}

// CreateTree creates a tree with an automatic root branch.
func (c *Client) CreateTree(ctx context.Context, name, project, workingDirectory string) (*models.TreeCreated, error) {
	var out models.TreeCreated
	err := c.doJSON(ctx, http.MethodPost, "/api/trees", map[string]string{
		"name": name, "project": project, "working_directory": workingDirectory,
	}, &out)
	return &out, err
}

// GetTree returns a tree and its branch forest.
func (c *Client) GetTree(ctx context.Context, treeID string) (*models.TreeDetail, error) {
	var out models.TreeDetail
	err := c.doJSON(ctx, http.MethodGet, "/api/trees/"+url.PathEscape(treeID), nil, &out)
	return &out, err
}

// RenameTree changes a tree's display name.
func (c *Client) RenameTree(ctx context.Context, treeID, name string) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/trees/"+url.PathEscape(treeID), map[string]string{"name": name}, nil)
}

// DeleteTree removes a tree and everything under it.
func (c *Client) DeleteTree(ctx context.Context, treeID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/trees/"+url.PathEscape(treeID), nil, nil)
}

// CreateBranchParams names the optional fields for CreateBranch.
type CreateBranchParams struct {
	TreeID          string  `json:"tree_id"`
	ParentBranchID  *string `json:"parent_branch_id,omitempty"`
	BranchType      string  `json:"branch_type,omitempty"`
	Title           string  `json:"title,omitempty"`
	Model           string  `json:"model,omitempty"`
	ContextSnapshot string  `json:"context_snapshot,omitempty"`
}

// CreateBranch creates a branch under a tree, optionally parented.
func (c *Client) CreateBranch(ctx context.Context, p CreateBranchParams) (*models.Branch, error) {
	var out models.Branch
	err := c.doJSON(ctx, http.MethodPost, "/api/branches", p, &out)
	return &out, err
}

// GetBranch returns one branch.
func (c *Client) GetBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	var out models.Branch
	err := c.doJSON(ctx, http.MethodGet, "/api/branches/"+url.PathEscape(branchID), nil, &out)
	return &out, err
}

// UpdateBranchParams carries partial branch updates. Nil fields are left
// untouched.
type UpdateBranchParams struct {
	Title     *string `json:"title,omitempty"`
	Summary   *string `json:"summary,omitempty"`
	Status    *string `json:"status,omitempty"`
	Model     *string `json:"model,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

// UpdateBranch applies a partial update and returns the branch.
func (c *Client) UpdateBranch(ctx context.Context, branchID string, p UpdateBranchParams) (*models.Branch, error) {
	var out models.Branch
	err := c.doJSON(ctx, http.MethodPatch, "/api/branches/"+url.PathEscape(branchID), p, &out)
	return &out, err
}

// BranchPath returns the root-to-branch ancestor chain.
func (c *Client) BranchPath(ctx context.Context, branchID string) ([]models.Branch, error) {
	var out []models.Branch
	err := c.doJSON(ctx, http.MethodGet, "/api/branches/"+url.PathEscape(branchID)+"/path", nil, &out)
	return out, err
}

// Siblings returns the branches sharing this branch's parent.
func (c *Client) Siblings(ctx context.Context, branchID string) ([]models.Branch, error) {
	var out []models.Branch
	err := c.doJSON(ctx, http.MethodGet, "/api/branches/"+url.PathEscape(branchID)+"/siblings", nil, &out)
	return out, err
}

// CancelBranch cancels an in-flight turn on a branch. Returns true if a
// turn was actually cancelled.
func (c *Client) CancelBranch(ctx context.Context, branchID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/branches/"+url.PathEscape(branchID)+"/cancel", nil, &out)
	return out.Cancelled, err
}

// ListSessions returns every branch as a session summary.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	var out []models.SessionSummary
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// ListMessages returns a session's transcript, oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	path := "/api/messages/" + url.PathEscape(sessionID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Message
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SearchMessages searches message content, optionally scoped to one
// session.
func (c *Client) SearchMessages(ctx context.Context, query, sessionID string, limit int) ([]models.MessageMatch, error) {
	q := url.Values{}
	q.Set("q", query)
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.MessageMatch
	err := c.doJSON(ctx, http.MethodGet, "/api/search?"+q.Encode(), nil, &out)
	return out, err
}

// ListProviders returns the registered providers in fallback order.
func (c *Client) ListProviders(ctx context.Context) ([]models.ProviderInfo, error) {
	var out []models.ProviderInfo
	err := c.doJSON(ctx, http.MethodGet, "/api/providers", nil, &out)
	return out, err
}

// SendParams describes one turn for Send.
type SendParams struct {
	SessionID       string `json:"session_id"`
	Content         string `json:"content"`
	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	EditedMessageID int64  `json:"edited_message_id,omitempty"`
}

// Send runs one turn and invokes handle for every streamed event. It
// returns after the terminal event or when the stream closes.
func (c *Client) Send(ctx context.Context, p SendParams, handle func(models.Event)) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/message", p)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(http.MethodPost, "/api/message", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		handle(ev)
		if ev.Type == models.EventDone {
			return nil
		}
		if ev.Type == models.EventError {
			return fmt.Errorf("turn failed: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

// EnqueueJobParams describes an asynchronous shell job.
type EnqueueJobParams struct {
	Type             string  `json:"type,omitempty"`
	Command          string  `json:"command"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
	BranchID         *string `json:"branch_id,omitempty"`
}

// EnqueueJob starts a background shell job and returns its record.
func (c *Client) EnqueueJob(ctx context.Context, p EnqueueJobParams) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/api/jobs", p, &out)
	return &out, err
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out)
	return &out, err
}

// ListJobs returns jobs newest first, optionally filtered by branch.
func (c *Client) ListJobs(ctx context.Context, branchID string, limit int) ([]models.Job, error) {
	q := url.Values{}
	if branchID != "" {
		q.Set("branch_id", branchID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CancelJob cancels a queued or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// ArchiveProject archives every active tree in a project and returns the
// count.
func (c *Client) ArchiveProject(ctx context.Context, project string) (int, error) {
	var out struct {
		Archived int `json:"archived"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(project)+"/archive", nil, &out)
	return out.Archived, err
}

// DeleteProject deletes every tree in a project and returns the count.
func (c *Client) DeleteProject(ctx context.Context, project string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(project), nil, &out)
	return out.Deleted, err
}
