// Package postgres implements the chat store on PostgreSQL for deployments
// that already run one. The embedded pebble driver remains the default.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
)

type Store struct {
	conn *sql.DB
}

// Open connects, verifies the connection and applies the schema.
func Open(dsn string, maxConns int) (*Store, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("postgres_opened", "max_conns", maxConns)
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            user_lo TEXT NOT NULL,
            user_hi TEXT NOT NULL,
            created_ts BIGINT NOT NULL,
            last_ts BIGINT NOT NULL DEFAULT 0,
            last_content TEXT NOT NULL DEFAULT '',
            UNIQUE (user_lo, user_hi)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender TEXT NOT NULL,
            receiver TEXT NOT NULL,
            ts BIGINT NOT NULL,
            content TEXT NOT NULL,
            read BOOLEAN NOT NULL DEFAULT FALSE,
            correlation_id TEXT NOT NULL DEFAULT ''
        )`,

		`CREATE TABLE IF NOT EXISTS participants (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            type TEXT NOT NULL DEFAULT ''
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conv_ts ON messages (conversation_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS messages_unread ON messages (conversation_id, receiver) WHERE NOT read`,
	}
	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) EnsureConversation(ctx context.Context, a, b string) (models.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, false, store.ErrInvalidPair
	}
	lo, hi := models.PairKey(a, b)
	id := utils.GenID("conv")
	now := time.Now().UTC().UnixNano()

	// the unique pair index makes concurrent first-sends converge on one row
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO conversations (id, user_lo, user_hi, created_ts)
         VALUES ($1, $2, $3, $4) ON CONFLICT (user_lo, user_hi) DO NOTHING`,
		id, lo, hi, now)
	if err != nil {
		return models.Conversation{}, false, err
	}
	inserted, _ := res.RowsAffected()
	conv, err := s.FindConversation(ctx, a, b)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if inserted > 0 {
		logger.Info("conversation_created", "conv", conv.ID, "user_lo", lo, "user_hi", hi)
	}
	return conv, inserted > 0, nil
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, store.ErrInvalidPair
	}
	lo, hi := models.PairKey(a, b)
	return s.scanConversation(s.conn.QueryRowContext(ctx,
		`SELECT id, user_lo, user_hi, created_ts, last_ts, last_content
         FROM conversations WHERE user_lo = $1 AND user_hi = $2`, lo, hi))
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	return s.scanConversation(s.conn.QueryRowContext(ctx,
		`SELECT id, user_lo, user_hi, created_ts, last_ts, last_content
         FROM conversations WHERE id = $1`, id))
}

func (s *Store) scanConversation(row *sql.Row) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.UserLo, &c.UserHi, &c.CreatedTS, &c.LastTS, &c.LastContent)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, store.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" || msg.Conversation == "" || msg.Sender == "" || msg.Receiver == "" || msg.TS <= 0 {
		return fmt.Errorf("incomplete message: id=%q conv=%q", msg.ID, msg.Conversation)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, receiver, ts, content, read, correlation_id)
         VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		msg.ID, msg.Conversation, msg.Sender, msg.Receiver, msg.TS, msg.Content, msg.CorrelationID); err != nil {
		return err
	}
	// bump conversation activity unless a late out-of-order append arrives
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_ts = $2, last_content = $3
         WHERE id = $1 AND last_ts <= $2`,
		msg.Conversation, msg.TS, msg.Content); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ConversationMessages(ctx context.Context, convID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("invalid page: limit=%d offset=%d", limit, offset)
	}
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, conversation_id, sender, receiver, ts, content, read, correlation_id
         FROM messages WHERE conversation_id = $1
         ORDER BY ts DESC, id DESC LIMIT $2 OFFSET $3`,
		convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Message, 0, limit)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Conversation, &m.Sender, &m.Receiver, &m.TS, &m.Content, &m.Read, &m.CorrelationID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT c.id, c.user_lo, c.user_hi, c.created_ts, c.last_ts, c.last_content,
                COUNT(m.id) FILTER (WHERE m.receiver = $1 AND NOT m.read) AS unread
         FROM conversations c
         LEFT JOIN messages m ON m.conversation_id = c.id
         WHERE c.user_lo = $1 OR c.user_hi = $1
         GROUP BY c.id
         ORDER BY c.last_ts DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.UserLo, &cs.UserHi, &cs.CreatedTS, &cs.LastTS, &cs.LastContent, &cs.Unread); err != nil {
			return nil, err
		}
		cs.Peer = cs.Conversation.Peer(userID)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, convID, readerID string, upToTS int64) (int, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	if !conv.Has(readerID) {
		return 0, fmt.Errorf("reader %s is not part of conversation %s", readerID, convID)
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET read = TRUE
         WHERE conversation_id = $1 AND receiver = $2 AND ts <= $3 AND NOT read`,
		convID, readerID, upToTS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Participant(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, name, type FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, store.ErrNotFound
	}
	if err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p models.Participant) error {
	if p.ID == "" {
		return fmt.Errorf("participant requires an id")
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO participants (id, name, type) VALUES ($1, $2, $3)
         ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type`,
		p.ID, p.Name, p.Type)
	return err
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{Driver: "postgres"}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&st.Conversations); err != nil {
		return st, err
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants`).Scan(&st.Participants); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff int64, batchSize int, sleep time.Duration, dryRun bool) (store.PurgeStats, error) {
	var stats store.PurgeStats
	if batchSize <= 0 {
		batchSize = 500
	}
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT conversation_id) FROM messages WHERE ts < $1`, cutoff).
		Scan(&stats.Conversations); err != nil {
		return stats, err
	}
	if dryRun {
		err := s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE ts < $1`, cutoff).
			Scan(&stats.Deleted)
		stats.Scanned = stats.Deleted
		return stats, err
	}
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		res, err := s.conn.ExecContext(ctx,
			`DELETE FROM messages WHERE id IN (
                 SELECT id FROM messages WHERE ts < $1 LIMIT $2)`,
			cutoff, batchSize)
		if err != nil {
			return stats, err
		}
		n, _ := res.RowsAffected()
		stats.Deleted += int(n)
		stats.Scanned += int(n)
		if int(n) < batchSize {
			return stats, nil
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
