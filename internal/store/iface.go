package store

import "context"

// Store is the persistence interface for trees, branches, messages, jobs,
// and provider session bindings. The only implementation is SQLite
// (*sqliteStore); the interface exists so the engine, HTTP surface, and
// tests can take fakes.
type Store interface {
	// Trees
	CreateTree(ctx context.Context, name, project, workingDirectory string) (Tree, error)
	GetTree(ctx context.Context, treeID string) (Tree, []*Branch, error)
	ListTrees(ctx context.Context) ([]Tree, error)
	RenameTree(ctx context.Context, treeID, name string) error
	DeleteTree(ctx context.Context, treeID string) error
	ArchiveProject(ctx context.Context, project string) (int, error)
	DeleteProject(ctx context.Context, project string) (int, error)

	// Branches
	CreateBranch(ctx context.Context, p CreateBranchParams) (Branch, error)
	ForkBranch(ctx context.Context, p ForkBranchParams) (Branch, error)
	GetBranch(ctx context.Context, branchID string) (Branch, error)
	UpdateBranch(ctx context.Context, branchID string, p UpdateBranchParams) error
	BranchPath(ctx context.Context, branchID string) ([]Branch, error)
	GetSiblings(ctx context.Context, branchID string) ([]Branch, error)
	BranchBySession(ctx context.Context, sessionID string) (Branch, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// Messages
	AppendMessage(ctx context.Context, sessionID, role, content string) (Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	SearchMessages(ctx context.Context, query, sessionID string, limit int) ([]MessageMatch, error)

	// Jobs
	CreateJob(ctx context.Context, jobType, command, workingDirectory string, branchID *string) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, branchID string, limit int) ([]Job, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID, status, output, errMsg string) error

	// Session continuity
	BindSession(ctx context.Context, sessionID, providerName, token string) error
	SessionToken(ctx context.Context, sessionID, providerName string) (string, error)
	UnbindSession(ctx context.Context, sessionID string) error

	// Lifecycle
	Close() error
}
