// Package sqlite is the default desktop ConversationStore, backed by a
// single SQLite database file via the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_definitions (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	system_prompts TEXT NOT NULL,
	provider       TEXT NOT NULL,
	model_override TEXT NOT NULL DEFAULT '',
	allowed_tools  TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS conversations (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	agent_definition_id TEXT NOT NULL,
	initiator_kind      TEXT NOT NULL,
	initiator_tab_id    TEXT NOT NULL DEFAULT '',
	current_thread_id   TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL,
	origin_thread_id TEXT,
	forked_at_turn   INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	meta            TEXT,
	historical      INTEGER NOT NULL DEFAULT 0,
	raw_wire        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS thread_messages (
	thread_id  TEXT NOT NULL,
	position   INTEGER NOT NULL,
	message_id TEXT NOT NULL,
	PRIMARY KEY (thread_id, position)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_threads_conversation ON threads(conversation_id);
`

// Store implements store.ConversationStore over one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed initialises) the database at path.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps the UI reader responsive while the engine appends.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.ConversationStore = (*Store)(nil)

func (s *Store) FindProject(ctx context.Context, id uuid.UUID) (*chat.Project, error) {
	var p chat.Project
	var idStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, created_at FROM projects WHERE id = ?`, id.String(),
	).Scan(&idStr, &p.Path, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find project: %w", err)
	}
	p.ID = id
	return &p, nil
}

func (s *Store) SaveProject(ctx context.Context, p *chat.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, path, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET path = excluded.path, name = excluded.name`,
		p.ID.String(), p.Path, p.Name, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: save project: %w", err)
	}
	return nil
}

func (s *Store) FindAgentDefinition(ctx context.Context, id uuid.UUID) (*chat.AgentDefinition, error) {
	var def chat.AgentDefinition
	var idStr, prompts, provider, allowed string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompts, provider, model_override, allowed_tools
		 FROM agent_definitions WHERE id = ?`, id.String(),
	).Scan(&idStr, &def.Name, &prompts, &provider, &def.ModelOverride, &allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find agent definition: %w", err)
	}
	def.ID = id
	def.Provider = chat.ProviderTag(provider)
	if err := json.Unmarshal([]byte(prompts), &def.SystemPrompts); err != nil {
		return nil, fmt.Errorf("sqlite: decode system prompts: %w", err)
	}
	if err := json.Unmarshal([]byte(allowed), &def.AllowedTools); err != nil {
		return nil, fmt.Errorf("sqlite: decode allowed tools: %w", err)
	}
	return &def, nil
}

func (s *Store) SaveAgentDefinition(ctx context.Context, def *chat.AgentDefinition) error {
	prompts, err := json.Marshal(def.SystemPrompts)
	if err != nil {
		return fmt.Errorf("sqlite: encode system prompts: %w", err)
	}
	allowed, err := json.Marshal(def.AllowedTools)
	if err != nil {
		return fmt.Errorf("sqlite: encode allowed tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_definitions (id, name, system_prompts, provider, model_override, allowed_tools)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		def.ID.String(), def.Name, string(prompts), string(def.Provider), def.ModelOverride, string(allowed))
	if err != nil {
		return fmt.Errorf("sqlite: save agent definition: %w", err)
	}
	return nil
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	var c chat.Conversation
	var idStr, projectID, defID, kind, tabID, threadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, agent_definition_id, initiator_kind, initiator_tab_id,
		        current_thread_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id.String(),
	).Scan(&idStr, &projectID, &defID, &kind, &tabID, &threadID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find conversation: %w", err)
	}
	c.ID = id
	if c.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("sqlite: conversation project id: %w", err)
	}
	if c.AgentDefinitionID, err = uuid.Parse(defID); err != nil {
		return nil, fmt.Errorf("sqlite: conversation definition id: %w", err)
	}
	if c.CurrentThreadID, err = uuid.Parse(threadID); err != nil {
		return nil, fmt.Errorf("sqlite: conversation thread id: %w", err)
	}
	c.Initiator = chat.Initiator{Kind: chat.InitiatorKind(kind), TabID: tabID}
	return &c, nil
}

func (s *Store) SaveConversation(ctx context.Context, c *chat.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, project_id, agent_definition_id, initiator_kind, initiator_tab_id, current_thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_definition_id = excluded.agent_definition_id,
		   current_thread_id = excluded.current_thread_id,
		   updated_at = excluded.updated_at`,
		c.ID.String(), c.ProjectID.String(), c.AgentDefinitionID.String(),
		string(c.Initiator.Kind), c.Initiator.TabID, c.CurrentThreadID.String(),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: save conversation: %w", err)
	}
	return nil
}

func (s *Store) UpdateCurrentThread(ctx context.Context, conversationID, threadID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET current_thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID.String(), time.Now().UTC(), conversationID.String())
	if err != nil {
		return fmt.Errorf("sqlite: update current thread: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateAgentDefinition(ctx context.Context, conversationID, definitionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET agent_definition_id = ?, updated_at = ? WHERE id = ?`,
		definitionID.String(), time.Now().UTC(), conversationID.String())
	if err != nil {
		return fmt.Errorf("sqlite: update agent definition: %w", err)
	}
	return requireRow(res)
}

func (s *Store) FindThread(ctx context.Context, id uuid.UUID) (*chat.Thread, error) {
	var t chat.Thread
	var idStr, convID string
	var origin sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, origin_thread_id, forked_at_turn, created_at, updated_at
		 FROM threads WHERE id = ?`, id.String(),
	).Scan(&idStr, &convID, &origin, &t.ForkedAtTurn, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find thread: %w", err)
	}
	t.ID = id
	if t.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, fmt.Errorf("sqlite: thread conversation id: %w", err)
	}
	if origin.Valid {
		o, err := uuid.Parse(origin.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: thread origin id: %w", err)
		}
		t.OriginThreadID = &o
	}
	return &t, nil
}

func (s *Store) SaveThread(ctx context.Context, t *chat.Thread) error {
	var origin any
	if t.OriginThreadID != nil {
		origin = t.OriginThreadID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, conversation_id, origin_thread_id, forked_at_turn, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		t.ID.String(), t.ConversationID.String(), origin, t.ForkedAtTurn,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: save thread: %w", err)
	}
	return nil
}

func (s *Store) MessagesInThread(ctx context.Context, conversationID, threadID uuid.UUID) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.role, m.content, m.created_at, m.meta, m.historical, m.raw_wire
		 FROM thread_messages tm
		 JOIN messages m ON m.id = tm.message_id
		 WHERE tm.thread_id = ? AND m.conversation_id = ?
		 ORDER BY tm.position ASC`,
		threadID.String(), conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: messages in thread: %w", err)
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		var m chat.Message
		var idStr, role, content, rawWire string
		var meta sql.NullString
		var historical int
		if err := rows.Scan(&idStr, &role, &content, &m.CreatedAt, &meta, &historical, &rawWire); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("sqlite: message id: %w", err)
		}
		m.ConversationID = conversationID
		m.Role = chat.Role(role)
		m.Historical = historical != 0
		m.RawWire = rawWire
		if m.Content, err = chat.DecodeContent([]byte(content)); err != nil {
			return nil, fmt.Errorf("sqlite: message %s content: %w", m.ID, err)
		}
		if meta.Valid && strings.TrimSpace(meta.String) != "" {
			m.Meta = &chat.ProviderMeta{}
			if err := json.Unmarshal([]byte(meta.String), m.Meta); err != nil {
				return nil, fmt.Errorf("sqlite: message %s meta: %w", m.ID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, m *chat.Message) error {
	content, err := chat.EncodeContent(m.Content)
	if err != nil {
		return fmt.Errorf("sqlite: encode message content: %w", err)
	}
	var meta any
	if m.Meta != nil {
		b, err := json.Marshal(m.Meta)
		if err != nil {
			return fmt.Errorf("sqlite: encode message meta: %w", err)
		}
		meta = string(b)
	}
	historical := 0
	if m.Historical {
		historical = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, meta, historical, raw_wire)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), string(m.Role), string(content),
		m.CreatedAt.UTC(), meta, historical, m.RawWire)
	if err != nil {
		return fmt.Errorf("sqlite: save message: %w", err)
	}
	return nil
}

func (s *Store) AddThreadMessage(ctx context.Context, threadID, messageID uuid.UUID, position int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (thread_id, position, message_id) VALUES (?, ?, ?)`,
		threadID.String(), position, messageID.String())
	if err != nil {
		return fmt.Errorf("sqlite: add thread message: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
