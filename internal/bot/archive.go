package bot

import (
	"context"
	"database/sql"

	"github.com/avolkov/voicebridge/internal/session"
)

// pgArchive persists every committed turn to Postgres. The in-memory
// session store stays authoritative for the prompt window; this table is an
// audit record that survives restarts and TTL eviction.
//
// Schema:
//
//	CREATE TABLE turns (
//	    id              BIGSERIAL PRIMARY KEY,
//	    conversation_id TEXT NOT NULL,
//	    role            TEXT NOT NULL,
//	    content         TEXT NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
type pgArchive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) Repo {
	return &pgArchive{db: db}
}

func (a *pgArchive) SaveTurn(ctx context.Context, conversationID string, turn session.Turn) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)
	`,
		conversationID,
		string(turn.Role),
		turn.Content,
		turn.Timestamp,
	)
	return err
}

func (a *pgArchive) History(ctx context.Context, conversationID string) ([]session.Turn, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Turn
	for rows.Next() {
		var t session.Turn
		var role string
		if err := rows.Scan(&role, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Role = session.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}
