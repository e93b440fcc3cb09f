package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

const userColumns = `id, username, role, department, created_at`

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Username, &user.Role, &user.Department, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username).
		Scan(&user.ID, &user.Username, &user.Role, &user.Department, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, role string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role=$1 ORDER BY created_at`, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Role, &user.Department, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// --- conversations ---

const conversationColumns = `id, kind, title, status, participants, closure_request_initiator,
	closure_approvals, has_active_flash, flash_sent_by, flash_message_id, archived_at,
	version, created_at, updated_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	participants, err := marshalSet(conv.Participants)
	if err != nil {
		return Conversation{}, err
	}
	approvals, err := marshalSet(conv.ClosureApprovals)
	if err != nil {
		return Conversation{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, kind, title, status, participants, closure_approvals, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at
	`, conv.ID, conv.Kind, conv.Title, conv.Status, participants, approvals).
		Scan(&conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	return scanConversation(row)
}

// ListConversationsForUser returns the conversations visible to the user.
// Admins pass includeAll to see every conversation regardless of membership.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string, archived, includeAll bool) ([]Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE `
	args := []any{}
	if archived {
		query += `status = '` + StatusClosed + `'`
	} else {
		query += `status <> '` + StatusClosed + `'`
	}
	if !includeAll {
		query += ` AND participants ? $1`
		args = append(args, userID)
	}
	if archived {
		query += ` ORDER BY archived_at DESC`
	} else {
		query += ` ORDER BY updated_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateLifecycle persists the lifecycle fields of conv if and only if the
// stored row still carries expectedVersion. The row version is bumped on
// success. Returns false when another writer got there first.
func (s *PostgresStore) UpdateLifecycle(ctx context.Context, conv Conversation, expectedVersion int64) (bool, error) {
	approvals, err := marshalSet(conv.ClosureApprovals)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status=$2,
			closure_request_initiator=$3,
			closure_approvals=$4,
			has_active_flash=$5,
			flash_sent_by=$6,
			flash_message_id=$7,
			archived_at=$8,
			version=version+1,
			updated_at=NOW()
		WHERE id=$1 AND version=$9
	`, conv.ID, conv.Status, nullable(conv.ClosureRequestInitiator), approvals,
		conv.HasActiveFlash, nullable(conv.FlashSentBy), nullable(conv.FlashMessageID),
		conv.ArchivedAt, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update conversation lifecycle: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update conversation lifecycle: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var title, initiator, flashSentBy, flashMessageID sql.NullString
	var participants, approvals []byte
	err := row.Scan(&conv.ID, &conv.Kind, &title, &conv.Status, &participants, &initiator,
		&approvals, &conv.HasActiveFlash, &flashSentBy, &flashMessageID, &conv.ArchivedAt,
		&conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	conv.Title = title.String
	conv.ClosureRequestInitiator = initiator.String
	conv.FlashSentBy = flashSentBy.String
	conv.FlashMessageID = flashMessageID.String
	if conv.Participants, err = unmarshalSet(participants); err != nil {
		return Conversation{}, fmt.Errorf("decode participants: %w", err)
	}
	if conv.ClosureApprovals, err = unmarshalSet(approvals); err != nil {
		return Conversation{}, fmt.Errorf("decode closure approvals: %w", err)
	}
	return conv, nil
}

// --- messages ---

const messageColumns = `id, conversation_id, sender_id, content, is_flash, flash_viewed_by, read_by, created_at`

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	viewed, err := marshalSet(msg.FlashViewedBy)
	if err != nil {
		return Message{}, err
	}
	readBy, err := marshalSet(msg.ReadBy)
	if err != nil {
		return Message{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, is_flash, flash_viewed_by, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.IsFlash, viewed, readBy).
		Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	return scanMessage(row)
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddFlashViewer records userID in the flash message's acknowledgment set.
// The append is idempotent at the SQL level so retries cannot duplicate.
func (s *PostgresStore) AddFlashViewer(ctx context.Context, messageID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET flash_viewed_by = CASE
			WHEN flash_viewed_by ? $2 THEN flash_viewed_by
			ELSE flash_viewed_by || jsonb_build_array($2::text)
		END
		WHERE id=$1
	`, messageID, userID)
	if err != nil {
		return fmt.Errorf("add flash viewer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("add flash viewer: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkMessageRead(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_by = CASE
			WHEN read_by ? $2 THEN read_by
			ELSE read_by || jsonb_build_array($2::text)
		END
		WHERE id=$1
	`, messageID, userID)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var viewed, readBy []byte
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.IsFlash,
		&viewed, &readBy, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if msg.FlashViewedBy, err = unmarshalSet(viewed); err != nil {
		return Message{}, fmt.Errorf("decode flash viewers: %w", err)
	}
	if msg.ReadBy, err = unmarshalSet(readBy); err != nil {
		return Message{}, fmt.Errorf("decode read set: %w", err)
	}
	return msg, nil
}

// --- refresh sessions and token revocation ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.role, u.department, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).
		Scan(&user.ID, &user.Username, &user.Role, &user.Department, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// --- helpers ---

func marshalSet(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode set: %w", err)
	}
	return encoded, nil
}

func unmarshalSet(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func nullable(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
