package store

import "time"

// Branch and job lifecycle values persisted in SQLite.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
	StatusFailed    = "failed"

	TypeConversation   = "conversation"
	TypeImplementation = "implementation"
	TypeExploration    = "exploration"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Tree is a named container for related conversation branches.
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

// Branch is one forkable conversation thread with its own session.
// Children is derived by BuildForest; it is never stored.
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

// Message is one immutable entry in a session's conversation log.
// Ordering is timestamp ascending with ties broken by MessageID.
type Message struct {
	MessageID int64     `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageMatch is a search hit; Rank is the FTS5 rank (0 for substring
// fallback matches).
type MessageMatch struct {
	Message
	Rank float64 `json:"rank"`
}

// Job is a persisted background shell command.
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

// SessionSummary is the per-session rollup served by the sessions list:
// the owning branch plus message activity.
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

// CreateBranchParams is the input to CreateBranch. The branch's session is
// created atomically with the branch row; a context snapshot, when set, is
// injected as the session's first system message inside the same
// transaction.
type CreateBranchParams struct {
	TreeID          string
	ParentBranchID  *string
	BranchType      string
	Title           string
	Model           string
	ContextSnapshot string
}

// ForkBranchParams is the input to ForkBranch: edit the message with
// EditedMessageID on the parent branch, producing a new branch whose
// session holds a copy of every parent message strictly before the edit
// point followed by EditedContent as a fresh user message.
type ForkBranchParams struct {
	ParentBranchID  string
	EditedMessageID int64
	EditedContent   string
	BranchType      string
	Title           string
}

// UpdateBranchParams carries optional branch mutations; nil fields are
// left untouched.
type UpdateBranchParams struct {
	Title     *string
	Summary   *string
	Status    *string
	Model     *string
	Collapsed *bool
}
