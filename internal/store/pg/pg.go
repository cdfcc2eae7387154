// Package pg is the Postgres ConversationStore, used when several shell
// instances share one history database. Connections go through pgx's
// database/sql driver; schema management is embedded golang-migrate.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDB opens a pooled database/sql handle over pgx.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Migrate applies all pending embedded migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("pg: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("pg: create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

// Store implements store.ConversationStore over Postgres.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

var _ store.ConversationStore = (*Store)(nil)

func (s *Store) FindProject(ctx context.Context, id uuid.UUID) (*chat.Project, error) {
	p := chat.Project{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT path, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.Path, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find project: %w", err)
	}
	return &p, nil
}

func (s *Store) SaveProject(ctx context.Context, p *chat.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, path, name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET path = EXCLUDED.path, name = EXCLUDED.name`,
		p.ID, p.Path, p.Name, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("pg: save project: %w", err)
	}
	return nil
}

func (s *Store) FindAgentDefinition(ctx context.Context, id uuid.UUID) (*chat.AgentDefinition, error) {
	def := chat.AgentDefinition{ID: id}
	var prompts, allowed []byte
	var provider string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, system_prompts, provider, model_override, allowed_tools
		 FROM agent_definitions WHERE id = $1`, id,
	).Scan(&def.Name, &prompts, &provider, &def.ModelOverride, &allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find agent definition: %w", err)
	}
	def.Provider = chat.ProviderTag(provider)
	if err := json.Unmarshal(prompts, &def.SystemPrompts); err != nil {
		return nil, fmt.Errorf("pg: decode system prompts: %w", err)
	}
	if err := json.Unmarshal(allowed, &def.AllowedTools); err != nil {
		return nil, fmt.Errorf("pg: decode allowed tools: %w", err)
	}
	return &def, nil
}

func (s *Store) SaveAgentDefinition(ctx context.Context, def *chat.AgentDefinition) error {
	prompts, err := json.Marshal(def.SystemPrompts)
	if err != nil {
		return fmt.Errorf("pg: encode system prompts: %w", err)
	}
	allowed, err := json.Marshal(def.AllowedTools)
	if err != nil {
		return fmt.Errorf("pg: encode allowed tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_definitions (id, name, system_prompts, provider, model_override, allowed_tools)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		def.ID, def.Name, prompts, string(def.Provider), def.ModelOverride, allowed)
	if err != nil {
		return fmt.Errorf("pg: save agent definition: %w", err)
	}
	return nil
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	c := chat.Conversation{ID: id}
	var kind, tabID string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, agent_definition_id, initiator_kind, initiator_tab_id,
		        current_thread_id, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ProjectID, &c.AgentDefinitionID, &kind, &tabID, &c.CurrentThreadID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find conversation: %w", err)
	}
	c.Initiator = chat.Initiator{Kind: chat.InitiatorKind(kind), TabID: tabID}
	return &c, nil
}

func (s *Store) SaveConversation(ctx context.Context, c *chat.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, project_id, agent_definition_id, initiator_kind, initiator_tab_id, current_thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_definition_id = EXCLUDED.agent_definition_id,
		   current_thread_id = EXCLUDED.current_thread_id,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.ProjectID, c.AgentDefinitionID, string(c.Initiator.Kind), c.Initiator.TabID,
		c.CurrentThreadID, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("pg: save conversation: %w", err)
	}
	return nil
}

func (s *Store) UpdateCurrentThread(ctx context.Context, conversationID, threadID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET current_thread_id = $1, updated_at = $2 WHERE id = $3`,
		threadID, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("pg: update current thread: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateAgentDefinition(ctx context.Context, conversationID, definitionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET agent_definition_id = $1, updated_at = $2 WHERE id = $3`,
		definitionID, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("pg: update agent definition: %w", err)
	}
	return requireRow(res)
}

func (s *Store) FindThread(ctx context.Context, id uuid.UUID) (*chat.Thread, error) {
	t := chat.Thread{ID: id}
	var origin *uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, origin_thread_id, forked_at_turn, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ConversationID, &origin, &t.ForkedAtTurn, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find thread: %w", err)
	}
	t.OriginThreadID = origin
	return &t, nil
}

func (s *Store) SaveThread(ctx context.Context, t *chat.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, conversation_id, origin_thread_id, forked_at_turn, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		t.ID, t.ConversationID, t.OriginThreadID, t.ForkedAtTurn, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("pg: save thread: %w", err)
	}
	return nil
}

func (s *Store) MessagesInThread(ctx context.Context, conversationID, threadID uuid.UUID) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.role, m.content, m.created_at, m.meta, m.historical, m.raw_wire
		 FROM thread_messages tm
		 JOIN messages m ON m.id = tm.message_id
		 WHERE tm.thread_id = $1 AND m.conversation_id = $2
		 ORDER BY tm.position ASC`,
		threadID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("pg: messages in thread: %w", err)
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		var m chat.Message
		var role string
		var content []byte
		var meta []byte
		if err := rows.Scan(&m.ID, &role, &content, &m.CreatedAt, &meta, &m.Historical, &m.RawWire); err != nil {
			return nil, fmt.Errorf("pg: scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Role = chat.Role(role)
		if m.Content, err = chat.DecodeContent(content); err != nil {
			return nil, fmt.Errorf("pg: message %s content: %w", m.ID, err)
		}
		if len(meta) > 0 {
			m.Meta = &chat.ProviderMeta{}
			if err := json.Unmarshal(meta, m.Meta); err != nil {
				return nil, fmt.Errorf("pg: message %s meta: %w", m.ID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, m *chat.Message) error {
	content, err := chat.EncodeContent(m.Content)
	if err != nil {
		return fmt.Errorf("pg: encode message content: %w", err)
	}
	var meta []byte
	if m.Meta != nil {
		if meta, err = json.Marshal(m.Meta); err != nil {
			return fmt.Errorf("pg: encode message meta: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, meta, historical, raw_wire)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, string(m.Role), content, m.CreatedAt.UTC(), meta, m.Historical, m.RawWire)
	if err != nil {
		return fmt.Errorf("pg: save message: %w", err)
	}
	return nil
}

func (s *Store) AddThreadMessage(ctx context.Context, threadID, messageID uuid.UUID, position int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (thread_id, position, message_id) VALUES ($1, $2, $3)`,
		threadID, position, messageID)
	if err != nil {
		return fmt.Errorf("pg: add thread message: %w", err)
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
