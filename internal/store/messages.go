package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

func (s *sqliteStore) AppendMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	now := time.Now()
	res, err := s.stmtAppendMessage.ExecContext(ctx, sessionID, role, content, now.Unix())
	if err != nil {
		return Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{
		MessageID: id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: now.UTC().Truncate(time.Second),
	}, nil
}

func scanMessage(scanner interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var ts int64
	if err := scanner.Scan(&m.MessageID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
		return Message{}, err
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	return m, nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.stmtListMessages.QueryContext(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM messages WHERE id = ?`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// SearchMessages runs an FTS5 match, falling back to a plain substring
// scan when the FTS table is unavailable or the sanitized query rejects
// every token. An empty sessionID searches every session.
func (s *sqliteStore) SearchMessages(ctx context.Context, query, sessionID string, limit int) ([]MessageMatch, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if s.ftsAvailable {
		if ftsQuery := sanitizeFTS(query); ftsQuery != "" {
			matches, err := s.searchFTS(ctx, ftsQuery, sessionID, limit)
			if err == nil {
				return matches, nil
			}
			// Malformed MATCH syntax is user input, not a store fault.
		}
	}
	return s.searchSubstring(ctx, query, sessionID, limit)
}

func (s *sqliteStore) searchFTS(ctx context.Context, ftsQuery, sessionID string, limit int) ([]MessageMatch, error) {
	q := `SELECT m.id, m.session_id, m.role, m.content, m.timestamp, f.rank
	 FROM messages_fts f JOIN messages m ON m.id = f.rowid
	 WHERE messages_fts MATCH ?`
	args := []any{ftsQuery}
	if sessionID != "" {
		q += ` AND m.session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MessageMatch
	for rows.Next() {
		var mm MessageMatch
		var ts int64
		if err := rows.Scan(&mm.MessageID, &mm.SessionID, &mm.Role, &mm.Content, &ts, &mm.Rank); err != nil {
			return nil, err
		}
		mm.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, mm)
	}
	return out, rows.Err()
}

func (s *sqliteStore) searchSubstring(ctx context.Context, query, sessionID string, limit int) ([]MessageMatch, error) {
	q := `SELECT id, session_id, role, content, timestamp FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MessageMatch
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageMatch{Message: m})
	}
	return out, rows.Err()
}

// sanitizeFTS reduces free text to quoted FTS5 terms so user punctuation
// never reaches the MATCH parser as syntax.
func sanitizeFTS(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '"' || r == '\'' {
				return -1
			}
			return r
		}, f)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
