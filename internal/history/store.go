// Package history persists conversation turns and the dispatch pass log.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
)

var ErrTurnNotFound = errors.New("turn not found")

const defaultListLimit = 100

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveTurn inserts or replaces a turn.
func (s *Store) SaveTurn(ctx context.Context, t *convo.Turn) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("turn id is empty")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode turn %s: %w", t.ID, err)
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO turns(id, thread_id, run_id, input, output, internal, reply, hops, body, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  output = excluded.output,
  internal = excluded.internal,
  reply = excluded.reply,
  body = excluded.body,
  updated_at = excluded.updated_at;
`, t.ID, t.ThreadID, t.RunID, t.Input, t.Output, boolInt(t.Internal), boolInt(t.Reply), t.Hops,
		string(body), t.CreatedAt.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", t.ID, err)
	}
	return nil
}

// GetTurn loads one turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*convo.Turn, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM turns WHERE id = ?;", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read turn %s: %w", id, err)
	}
	return decodeTurn(body)
}

// TurnFilter narrows ListTurns.
type TurnFilter struct {
	ThreadID        string
	RunID           string
	IncludeInternal bool
	Limit           int
}

// ListTurns returns the most recent turns matching f, oldest first.
func (s *Store) ListTurns(ctx context.Context, f TurnFilter) ([]*convo.Turn, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := "SELECT body, created_at, rowid AS rid FROM turns WHERE 1=1"
	var args []any
	if f.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, f.ThreadID)
	}
	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if !f.IncludeInternal {
		query += " AND internal = 0"
	}
	query = "SELECT body FROM (" + query + " ORDER BY created_at DESC, rid DESC LIMIT ?) ORDER BY created_at ASC, rid ASC;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []*convo.Turn
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t, err := decodeTurn(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return out, nil
}

func decodeTurn(body string) (*convo.Turn, error) {
	var t convo.Turn
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("stored turn is invalid JSON: %w", err)
	}
	return &t, nil
}

// RecordPass appends a finished pass to the pass log.
func (s *Store) RecordPass(ctx context.Context, p *command.Pass) error {
	invoked, err := json.Marshal(p.Invoked)
	if err != nil {
		return fmt.Errorf("encode invoked plugins: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pass_log(id, event, turn_id, async, only_notify, status, invoked, aborted, aborted_at, last_error, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, p.ID, string(p.Event), nullString(p.TurnID), boolInt(p.Async), boolInt(p.Only), string(p.Status),
		string(invoked), nullString(string(p.Aborted)), nullString(p.AbortedAt), nullString(p.Error),
		p.StartedAt.UTC().Format(timeLayout), p.FinishedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record pass %s: %w", p.ID, err)
	}
	return nil
}

// ListPasses returns the most recent passes, newest first. A non-empty turnID
// restricts the result to passes over that turn.
func (s *Store) ListPasses(ctx context.Context, turnID string, limit int) ([]*command.Pass, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
SELECT id, event, turn_id, async, only_notify, status, invoked, aborted, aborted_at, last_error, started_at, finished_at
FROM pass_log`
	var args []any
	if turnID != "" {
		query += " WHERE turn_id = ?"
		args = append(args, turnID)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	var out []*command.Pass
	for rows.Next() {
		var (
			p                      command.Pass
			eventS, statusS        string
			turn, aborted, at, msg sql.NullString
			async, only            int
			invoked                string
			startedS, finishedS    string
		)
		if err := rows.Scan(&p.ID, &eventS, &turn, &async, &only, &statusS, &invoked,
			&aborted, &at, &msg, &startedS, &finishedS); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		p.Event = event.Name(eventS)
		p.Status = command.Status(statusS)
		p.TurnID = turn.String
		p.Async = async != 0
		p.Only = only != 0
		p.Aborted = command.Abort(aborted.String)
		p.AbortedAt = at.String
		p.Error = msg.String
		if err := json.Unmarshal([]byte(invoked), &p.Invoked); err != nil {
			return nil, fmt.Errorf("stored pass %s has invalid invoked list: %w", p.ID, err)
		}
		if t, err := time.Parse(timeLayout, startedS); err == nil {
			p.StartedAt = t
		}
		if t, err := time.Parse(timeLayout, finishedS); err == nil {
			p.FinishedAt = t
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
