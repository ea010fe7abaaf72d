package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const branchColumns = `id, tree_id, session_id, parent_branch_id, fork_from_message_id, branch_type, status, title, summary, model, context_snapshot, collapsed, created_at, updated_at`

func scanBranch(scanner interface{ Scan(...any) error }) (Branch, error) {
	var b Branch
	var parent sql.NullString
	var forkID sql.NullInt64
	var collapsed int
	var created, updated int64
	if err := scanner.Scan(&b.BranchID, &b.TreeID, &b.SessionID, &parent, &forkID,
		&b.BranchType, &b.Status, &b.Title, &b.Summary, &b.Model,
		&b.ContextSnapshot, &collapsed, &created, &updated); err != nil {
		return Branch{}, err
	}
	if parent.Valid {
		b.ParentBranchID = &parent.String
	}
	if forkID.Valid {
		b.ForkFromMessageID = &forkID.Int64
	}
	b.Collapsed = collapsed != 0
	b.CreatedAt = time.Unix(created, 0).UTC()
	b.UpdatedAt = time.Unix(updated, 0).UTC()
	return b, nil
}

func (s *sqliteStore) CreateTree(ctx context.Context, name, project, workingDirectory string) (Tree, error) {
	now := time.Now()
	t := Tree{
		TreeID:           uuid.NewString(),
		Name:             name,
		Project:          project,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now.UTC().Truncate(time.Second),
		UpdatedAt:        now.UTC().Truncate(time.Second),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO trees(id, name, project, working_directory, archived, created_at, updated_at) VALUES(?, ?, ?, ?, 0, ?, ?)`,
		t.TreeID, t.Name, t.Project, t.WorkingDirectory, now.Unix(), now.Unix())
	if err != nil {
		return Tree{}, err
	}
	return t, nil
}

func scanTree(scanner interface{ Scan(...any) error }) (Tree, error) {
	var t Tree
	var archived int
	var created, updated int64
	if err := scanner.Scan(&t.TreeID, &t.Name, &t.Project, &t.WorkingDirectory,
		&archived, &t.BranchCount, &created, &updated); err != nil {
		return Tree{}, err
	}
	t.Archived = archived != 0
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

const treeSelect = `SELECT t.id, t.name, t.project, t.working_directory, t.archived,
  (SELECT COUNT(*) FROM branches b WHERE b.tree_id = t.id) AS branch_count,
  t.created_at, t.updated_at FROM trees t`

// GetTree returns the tree and its branches assembled into a forest of
// root branches with derived Children.
func (s *sqliteStore) GetTree(ctx context.Context, treeID string) (Tree, []*Branch, error) {
	row := s.DB.QueryRowContext(ctx, treeSelect+` WHERE t.id = ?`, treeID)
	t, err := scanTree(row)
	if err == sql.ErrNoRows {
		return Tree{}, nil, ErrNotFound
	}
	if err != nil {
		return Tree{}, nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE tree_id = ? ORDER BY created_at ASC, id ASC`, treeID)
	if err != nil {
		return Tree{}, nil, err
	}
	defer func() { _ = rows.Close() }()

	var branches []Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return Tree{}, nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return Tree{}, nil, err
	}
	return t, BuildForest(branches), nil
}

func (s *sqliteStore) ListTrees(ctx context.Context) ([]Tree, error) {
	rows, err := s.DB.QueryContext(ctx, treeSelect+` ORDER BY t.updated_at DESC, t.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Tree
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RenameTree(ctx context.Context, treeID, name string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE trees SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().Unix(), treeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTree removes a tree and everything hanging off it. Messages and
// bindings go first so a crash mid-delete never strands rows that claim a
// session no branch owns.
func (s *sqliteStore) DeleteTree(ctx context.Context, treeID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteTreeTx(ctx, tx, treeID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteTreeTx(ctx context.Context, tx *sql.Tx, treeID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT session_id FROM branches WHERE tree_id = ?)`, treeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_bindings WHERE session_id IN (SELECT session_id FROM branches WHERE tree_id = ?)`, treeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE tree_id = ?`, treeID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE id = ?`, treeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveProject marks every unarchived tree in the project archived and
// returns the count of trees touched.
func (s *sqliteStore) ArchiveProject(ctx context.Context, project string) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE trees SET archived = 1, updated_at = ? WHERE project = ? AND archived = 0`,
		time.Now().Unix(), project)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteProject cascades DeleteTree over every tree in the project and
// returns the count of trees removed.
func (s *sqliteStore) DeleteProject(ctx context.Context, project string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM trees WHERE project = ?`, project)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, id := range ids {
		if err := deleteTreeTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CreateBranch creates a branch together with its fresh session. A context
// snapshot, when set, becomes the session's first system message inside
// the same transaction, so no reader ever sees the branch without it.
func (s *sqliteStore) CreateBranch(ctx context.Context, p CreateBranchParams) (Branch, error) {
	now := time.Now()
	b := Branch{
		BranchID:        uuid.NewString(),
		TreeID:          p.TreeID,
		SessionID:       uuid.NewString(),
		ParentBranchID:  p.ParentBranchID,
		BranchType:      p.BranchType,
		Status:          StatusActive,
		Title:           p.Title,
		Model:           p.Model,
		ContextSnapshot: p.ContextSnapshot,
		CreatedAt:       now.UTC().Truncate(time.Second),
		UpdatedAt:       now.UTC().Truncate(time.Second),
	}
	if b.BranchType == "" {
		b.BranchType = TypeConversation
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Branch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if p.ParentBranchID != nil {
		parent, err := getBranchTx(ctx, tx, *p.ParentBranchID)
		if err != nil {
			return Branch{}, fmt.Errorf("parent branch %s: %w", *p.ParentBranchID, err)
		}
		if parent.TreeID != p.TreeID {
			return Branch{}, fmt.Errorf("parent branch %s belongs to tree %s", parent.BranchID, parent.TreeID)
		}
	}
	if err := insertBranchTx(ctx, tx, b, now.Unix()); err != nil {
		return Branch{}, err
	}
	if p.ContextSnapshot != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(session_id, role, content, timestamp) VALUES(?, ?, ?, ?)`,
			b.SessionID, RoleSystem, p.ContextSnapshot, now.Unix()); err != nil {
			return Branch{}, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trees SET updated_at = ? WHERE id = ?`, now.Unix(), p.TreeID); err != nil {
		return Branch{}, err
	}
	if err := tx.Commit(); err != nil {
		return Branch{}, err
	}
	return b, nil
}

func insertBranchTx(ctx context.Context, tx *sql.Tx, b Branch, nowUnix int64) error {
	collapsed := 0
	if b.Collapsed {
		collapsed = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO branches(`+branchColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BranchID, b.TreeID, b.SessionID, b.ParentBranchID, b.ForkFromMessageID,
		b.BranchType, b.Status, b.Title, b.Summary, b.Model,
		b.ContextSnapshot, collapsed, nowUnix, nowUnix)
	return err
}

// ForkBranch forks the conversation at an edited message: every parent
// message strictly before the edit point is copied into the new session in
// order, then the edited content is appended as a fresh user message. The
// fork point records the last copied message; editing the very first
// message copies nothing and leaves it NULL.
func (s *sqliteStore) ForkBranch(ctx context.Context, p ForkBranchParams) (Branch, error) {
	now := time.Now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Branch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	parent, err := getBranchTx(ctx, tx, p.ParentBranchID)
	if err != nil {
		return Branch{}, err
	}

	b := Branch{
		BranchID:       uuid.NewString(),
		TreeID:         parent.TreeID,
		SessionID:      uuid.NewString(),
		ParentBranchID: &parent.BranchID,
		BranchType:     p.BranchType,
		Status:         StatusActive,
		Title:          p.Title,
		Model:          parent.Model,
		CreatedAt:      now.UTC().Truncate(time.Second),
		UpdatedAt:      now.UTC().Truncate(time.Second),
	}
	if b.BranchType == "" {
		b.BranchType = TypeConversation
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, content, timestamp FROM messages
		 WHERE session_id = ? AND id < ? ORDER BY timestamp ASC, id ASC`,
		parent.SessionID, p.EditedMessageID)
	if err != nil {
		return Branch{}, err
	}
	type msgRow struct {
		id        int64
		role      string
		content   string
		timestamp int64
	}
	var prefix []msgRow
	for rows.Next() {
		var m msgRow
		if err := rows.Scan(&m.id, &m.role, &m.content, &m.timestamp); err != nil {
			_ = rows.Close()
			return Branch{}, err
		}
		prefix = append(prefix, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Branch{}, err
	}
	_ = rows.Close()

	if len(prefix) > 0 {
		forkFrom := prefix[len(prefix)-1].id
		b.ForkFromMessageID = &forkFrom
	}
	if err := insertBranchTx(ctx, tx, b, now.Unix()); err != nil {
		return Branch{}, err
	}
	for _, m := range prefix {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(session_id, role, content, timestamp) VALUES(?, ?, ?, ?)`,
			b.SessionID, m.role, m.content, m.timestamp); err != nil {
			return Branch{}, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, timestamp) VALUES(?, ?, ?, ?)`,
		b.SessionID, RoleUser, p.EditedContent, now.Unix()); err != nil {
		return Branch{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trees SET updated_at = ? WHERE id = ?`, now.Unix(), b.TreeID); err != nil {
		return Branch{}, err
	}
	if err := tx.Commit(); err != nil {
		return Branch{}, err
	}
	return b, nil
}

func getBranchTx(ctx context.Context, tx *sql.Tx, branchID string) (Branch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, branchID)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return Branch{}, ErrNotFound
	}
	return b, err
}

func (s *sqliteStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.stmtGetBranch.QueryRowContext(ctx, branchID)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return Branch{}, ErrNotFound
	}
	return b, err
}

func (s *sqliteStore) BranchBySession(ctx context.Context, sessionID string) (Branch, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE session_id = ?`, sessionID)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return Branch{}, ErrNotFound
	}
	return b, err
}

// UpdateBranch applies only the fields the caller set; nil pointers leave
// columns untouched.
func (s *sqliteStore) UpdateBranch(ctx context.Context, branchID string, p UpdateBranchParams) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *p.Summary)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if p.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *p.Model)
	}
	if p.Collapsed != nil {
		v := 0
		if *p.Collapsed {
			v = 1
		}
		sets = append(sets, "collapsed = ?")
		args = append(args, v)
	}
	args = append(args, branchID)

	res, err := s.DB.ExecContext(ctx,
		"UPDATE branches SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns one summary per branch session, most recently
// active first. Branches with no messages yet still appear with a zero
// count and their branch timestamps.
func (s *sqliteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT b.session_id, b.id, b.tree_id, b.title, b.model, b.status,
  COUNT(m.id) AS message_count,
  COALESCE(MAX(m.timestamp), b.updated_at) AS last_activity
FROM branches b
LEFT JOIN messages m ON m.session_id = b.session_id
GROUP BY b.session_id
ORDER BY last_activity DESC, b.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		var last int64
		if err := rows.Scan(&ss.SessionID, &ss.BranchID, &ss.TreeID, &ss.Title,
			&ss.Model, &ss.Status, &ss.MessageCount, &last); err != nil {
			return nil, err
		}
		ss.LastActivity = time.Unix(last, 0).UTC()
		out = append(out, ss)
	}
	return out, rows.Err()
}

// GetSiblings returns the other branches sharing the branch's parent, in
// creation order. Root branches are siblings of the other roots in the
// same tree.
func (s *sqliteStore) GetSiblings(ctx context.Context, branchID string) ([]Branch, error) {
	b, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if b.ParentBranchID == nil {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT `+branchColumns+` FROM branches WHERE tree_id = ? AND parent_branch_id IS NULL AND id != ? ORDER BY created_at ASC, id ASC`,
			b.TreeID, b.BranchID)
	} else {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT `+branchColumns+` FROM branches WHERE parent_branch_id = ? AND id != ? ORDER BY created_at ASC, id ASC`,
			*b.ParentBranchID, b.BranchID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Branch
	for rows.Next() {
		sib, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sib)
	}
	return out, rows.Err()
}
