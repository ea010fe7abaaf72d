package models

// Branch statuses.
const (
	BranchActive    = "active"
	BranchCompleted = "completed"
	BranchArchived  = "archived"
	BranchFailed    = "failed"
)

// Branch types.
const (
	BranchTypeConversation   = "conversation"
	BranchTypeImplementation = "implementation"
	BranchTypeExploration    = "exploration"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Streaming event types.
const (
	EventText      = "text"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventDone      = "done"
	EventError     = "error"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultMessageListLimit    = 500
	DefaultSearchLimit         = 50
	DefaultSSEChannelBuffer    = 256
	DefaultJobOutputCap        = 200 * 1024
)
