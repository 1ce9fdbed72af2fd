package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feldrow/engram/pkg/store"
)

// Compile-time interface check.
var _ store.ConversationStore = (*Conversations)(nil)

// Conversations is the conversation store backed by the conversations table.
//
// Obtain one via [Store.Conversations] rather than constructing directly.
// All methods are safe for concurrent use.
type Conversations struct {
	pool *pgxpool.Pool
}

// AppendTurn implements [store.ConversationStore]. A zero turn.Timestamp is
// replaced by the database clock.
func (c *Conversations) AppendTurn(ctx context.Context, turn store.ConvTurn) error {
	const q = `
		INSERT INTO conversations (user_id, server_id, role, content, timestamp, session_id)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()), $6)`

	var ts any
	if !turn.Timestamp.IsZero() {
		ts = turn.Timestamp
	}
	_, err := c.pool.Exec(ctx, q,
		turn.UserID,
		turn.ServerID,
		string(turn.Role),
		turn.Content,
		ts,
		turn.SessionID,
	)
	if err != nil {
		return fmt.Errorf("conversation store: append turn: %w", err)
	}
	return nil
}

// History implements [store.ConversationStore]. It returns the most recent
// limit turns in chronological order (oldest first).
func (c *Conversations) History(ctx context.Context, userID, serverID string, limit int) ([]store.ConvTurn, error) {
	q := `
		SELECT id, user_id, server_id, role, content, timestamp, session_id
		FROM   conversations
		WHERE  user_id = $1 AND server_id = $2
		ORDER  BY id DESC`

	args := []any{userID, serverID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: history: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ConvTurn, error) {
		var (
			t    store.ConvTurn
			role string
		)
		if err := row.Scan(&t.ID, &t.UserID, &t.ServerID, &role, &t.Content, &t.Timestamp, &t.SessionID); err != nil {
			return store.ConvTurn{}, err
		}
		t.Role = store.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []store.ConvTurn{}
	}

	// The query selects newest-first to honour the limit; flip to
	// chronological order for the caller.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ClearHistory implements [store.ConversationStore].
func (c *Conversations) ClearHistory(ctx context.Context, userID, serverID string) (int64, error) {
	const q = `DELETE FROM conversations WHERE user_id = $1 AND server_id = $2`

	tag, err := c.pool.Exec(ctx, q, userID, serverID)
	if err != nil {
		return 0, fmt.Errorf("conversation store: clear history: %w", err)
	}
	return tag.RowsAffected(), nil
}
