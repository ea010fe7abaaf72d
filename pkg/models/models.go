// Package models provides shared types for the Loom HTTP API and external
// tools. These types mirror the API JSON and are stable for use by
// pkg/client and other consumers.
package models

import "time"

// Tree is a named container grouping related conversation branches.
type Tree struct {
	TreeID           string    `json:"tree_id"`
	Name             string    `json:"name"`
	Project          string    `json:"project,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Archived         bool      `json:"archived,omitempty"`
	BranchCount      int       `json:"branch_count,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// Branch is one forkable conversation thread. Children is derived when a
// tree is loaded; it is never stored.
type Branch struct {
	BranchID          string    `json:"branch_id"`
	TreeID            string    `json:"tree_id"`
	SessionID         string    `json:"session_id"`
	ParentBranchID    *string   `json:"parent_branch_id,omitempty"`
	ForkFromMessageID *int64    `json:"fork_from_message_id,omitempty"`
	BranchType        string    `json:"branch_type"`
	Status            string    `json:"status"`
	Title             string    `json:"title,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Model             string    `json:"model,omitempty"`
	ContextSnapshot   string    `json:"context_snapshot,omitempty"`
	Collapsed         bool      `json:"collapsed,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
	Children          []*Branch `json:"children,omitempty"`
}

// Message is a single immutable entry in a session's conversation log.
type Message struct {
	MessageID int64     `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageMatch is a search hit with its full-text rank (0 for fallback
// substring matches).
type MessageMatch struct {
	Message
	Rank float64 `json:"rank"`
}

// Job is an asynchronous shell command tracked independently of any chat
// turn.
type Job struct {
	JobID            string     `json:"job_id"`
	Type             string     `json:"type"`
	Command          string     `json:"command"`
	WorkingDirectory string     `json:"working_directory,omitempty"`
	BranchID         *string    `json:"branch_id,omitempty"`
	Status           string     `json:"status"`
	Output           string     `json:"output,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ProviderInfo summarizes a registered provider for the API.
type ProviderInfo struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
	Healthy      bool         `json:"healthy"`
	LastChecked  time.Time    `json:"last_checked,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Resume    bool `json:"resume"`
	Fork      bool `json:"fork"`
	Tools     bool `json:"tools"`
	Streaming bool `json:"streaming"`
}

// SessionSummary is one element of the /api/sessions listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	BranchID     string    `json:"branch_id"`
	TreeID       string    `json:"tree_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// TreeDetail is the GET /api/trees/{id} response: the tree plus its
// branch forest.
type TreeDetail struct {
	Tree     Tree      `json:"tree"`
	Branches []*Branch `json:"branches"`
}

// TreeCreated is the POST /api/trees response: the new tree and its
// automatically created root branch.
type TreeCreated struct {
	Tree       Tree   `json:"tree"`
	RootBranch Branch `json:"root_branch"`
}

// Event is one canonical streaming event from POST /api/message.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   string `json:"message,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Health is the /health response.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// Usage is per-turn token accounting attached to a done event.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Turns        int     `json:"turns,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}
