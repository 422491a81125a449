// Package realtime contains the propchat relay: presence registry, sessions, routing,
// the WebSocket gateway and message persistence backends.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	stamp  *stamper
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "propchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "propchat",
		// timestamptz keeps microseconds.
		stamp: newStamper(time.Microsecond),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the schema, table and inbox index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := s.table()
	index := pgx.Identifier{"chat_messages_receiver_ts_idx"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     id          text        PRIMARY KEY,
		     sender_id   text        NOT NULL,
		     receiver_id text        NOT NULL,
		     context_id  text        NULL,
		     content     text        NOT NULL CHECK (content <> ''),
		     created_at  timestamptz NOT NULL,
		     read        boolean     NOT NULL DEFAULT false
		 )`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + messages + ` (receiver_id, created_at, id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert stores a message; the id and timestamp are assigned here.
func (s *PostgresStore) Insert(ctx context.Context, in NewMessage) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, ErrNilStore
	}
	if err := in.validate(); err != nil {
		return StoredMessage{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	id, ts, err := s.stamp.next()
	if err != nil {
		return StoredMessage{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, sender_id, receiver_id, context_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.SenderID, in.ReceiverID, in.ContextID, in.Content, ts,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	return StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		ContextID:  cloneStr(in.ContextID),
		Content:    in.Content,
		Timestamp:  ts,
	}, nil
}

// FindByReceiver returns the receiver's full inbox ordered by created_at ASC.
func (s *PostgresStore) FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, context_id, content, created_at, read
		   FROM `+s.table()+`
		  WHERE receiver_id = $1
		  ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// DeleteOlderThan removes messages created before cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrNilStore
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRead marks id as read when readerID is its receiver.
func (s *PostgresStore) MarkRead(ctx context.Context, id, readerID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrNilStore
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET read = true WHERE id = $1 AND receiver_id = $2`,
		id, readerID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindConversation returns the latest messages between a and b, oldest first.
func (s *PostgresStore) FindConversation(ctx context.Context, a, b string, limit int) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	limit = clampConversationLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, context_id, content, created_at, read
		   FROM (
		         SELECT id, sender_id, receiver_id, context_id, content, created_at, read
		           FROM `+s.table()+`
		          WHERE (sender_id = $1 AND receiver_id = $2)
		             OR (sender_id = $2 AND receiver_id = $1)
		          ORDER BY created_at DESC, id DESC
		          LIMIT $3
		        ) recent
		  ORDER BY created_at ASC, id ASC`,
		a, b, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "chat_messages")
}

func collectMessages(rows pgx.Rows) ([]StoredMessage, error) {
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.ID,
			&m.SenderID,
			&m.ReceiverID,
			&m.ContextID,
			&m.Content,
			&m.Timestamp,
			&m.Read,
		); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
