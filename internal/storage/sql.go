package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLStore implements the store interfaces on Postgres, CockroachDB or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenDB opens and pings a database using the pool settings in config.
func OpenDB(config *SQLConfig) (*sql.DB, Dialect, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	if strings.TrimSpace(config.DSN) == "" {
		return nil, "", fmt.Errorf("dsn is required")
	}
	driverName, dialect, err := driverAndDialect(config.Driver)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(driverName, config.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	if dialect == DialectSQLite {
		// SQLite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return db, dialect, nil
}

// NewSQLStores opens the database described by config and returns SQL-backed stores.
func NewSQLStores(config *SQLConfig) (StoreSet, error) {
	db, dialect, err := OpenDB(config)
	if err != nil {
		return StoreSet{}, err
	}
	store := NewSQLStore(db, dialect)
	return StoreSet{
		Users:         store,
		Presence:      store,
		Conversations: store,
		Messages:      store,
		Connections:   store,
		Notifications: store,
		closer:        db.Close,
		pinger:        db.PingContext,
	}, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate")
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *SQLStore) Create(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	now := user.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO users (id, username, email, name, avatar_url, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`),
		user.ID, user.Username, user.Email, user.Name, user.AvatarURL, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO presence (user_id, status, last_active) VALUES ($1,$2,$3)`),
		user.ID, models.PresenceOffline, now,
	); err != nil {
		return fmt.Errorf("create presence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var user models.User
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, username, email, name, avatar_url, created_at, updated_at FROM users WHERE id = $1`), id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.Name, &user.AvatarURL, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *SQLStore) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	var p models.Presence
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT user_id, status, last_active FROM presence WHERE user_id = $1`), userID,
	).Scan(&p.UserID, &p.Status, &p.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) SetPresence(ctx context.Context, userID string, status models.PresenceStatus, lastActive time.Time) (models.PresenceStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("presence status %q: %w", status, ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin set presence: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous models.PresenceStatus
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM presence WHERE user_id = $1`), userID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read presence: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		previous = models.PresenceOffline
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO presence (user_id, status, last_active) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, last_active = excluded.last_active`),
		userID, status, lastActive.UTC(),
	); err != nil {
		return "", fmt.Errorf("set presence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit set presence: %w", err)
	}
	return previous, nil
}

func (s *SQLStore) ListStalePresence(ctx context.Context, cutoff time.Time, limit int) ([]*models.Presence, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT user_id, status, last_active FROM presence
		 WHERE status <> $1 AND last_active < $2
		 ORDER BY last_active LIMIT $3`),
		models.PresenceOffline, cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale presence: %w", err)
	}
	defer rows.Close()

	out := []*models.Presence{}
	for rows.Next() {
		var p models.Presence
		if err := rows.Scan(&p.UserID, &p.Status, &p.LastActive); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("conversation is required: %w", ErrInvalidInput)
	}
	now := conv.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	kind := conv.Kind
	if kind == "" {
		kind = models.ConversationDirect
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO conversations (id, kind, title, last_seq, created_at, updated_at) VALUES ($1,$2,$3,0,$4,$4)`),
		conv.ID, kind, conv.Title, now,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	for _, member := range members {
		if member == nil || member.UserID == "" {
			continue
		}
		role := member.Role
		if role == "" {
			role = models.RoleMember
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO conversation_members (conversation_id, user_id, role, unread_count, muted, pinned, joined_at)
			 VALUES ($1,$2,$3,0,$4,$5,$6)`),
			conv.ID, member.UserID, role, member.Muted, member.Pinned, now,
		); err != nil {
			return fmt.Errorf("add member %s: %w", member.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, kind, title, last_seq, created_at, updated_at FROM conversations WHERE id = $1`), id,
	).Scan(&conv.ID, &conv.Kind, &conv.Title, &conv.LastSeq, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

const memberColumns = `conversation_id, user_id, role, unread_count, last_read, muted, pinned, joined_at`

func scanMember(row rowScanner) (*models.ConversationMember, error) {
	var member models.ConversationMember
	var lastRead sql.NullTime
	if err := row.Scan(
		&member.ConversationID,
		&member.UserID,
		&member.Role,
		&member.UnreadCount,
		&lastRead,
		&member.Muted,
		&member.Pinned,
		&member.JoinedAt,
	); err != nil {
		return nil, err
	}
	member.LastRead = timePtr(lastRead)
	return &member, nil
}

func scanMembers(rows *sql.Rows) ([]*models.ConversationMember, error) {
	defer rows.Close()
	out := []*models.ConversationMember{}
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+memberColumns+` FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`),
		conversationID, userID,
	)
	member, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return member, nil
}

func (s *SQLStore) ListMembers(ctx context.Context, conversationID string) ([]*models.ConversationMember, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+memberColumns+` FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id`),
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return scanMembers(rows)
}

func (s *SQLStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1 ORDER BY conversation_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) IncrementUnread(ctx context.Context, conversationID, exceptUserID string) ([]*models.ConversationMember, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`UPDATE conversation_members SET unread_count = unread_count + 1
		 WHERE conversation_id = $1 AND user_id <> $2
		 RETURNING `+memberColumns),
		conversationID, exceptUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("increment unread: %w", err)
	}
	return scanMembers(rows)
}

func (s *SQLStore) ResetUnread(ctx context.Context, conversationID, userID string, at time.Time) (*models.ConversationMember, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`UPDATE conversation_members SET unread_count = 0, last_read = $3
		 WHERE conversation_id = $1 AND user_id = $2
		 RETURNING `+memberColumns),
		conversationID, userID, at.UTC(),
	)
	member, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reset unread: %w", err)
	}
	return member, nil
}

const messageColumns = `id, conversation_id, sender_id, seq, client_message_id, content, type, status, files,
	reply_to, thread_id, forwarded_from, is_edited, edited_at, is_pinned, pinned_by, is_deleted, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var clientID sql.NullString
	var files []byte
	var editedAt sql.NullTime
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Seq,
		&clientID,
		&msg.Content,
		&msg.Type,
		&msg.Status,
		&files,
		&msg.ReplyTo,
		&msg.ThreadID,
		&msg.ForwardedFrom,
		&msg.IsEdited,
		&editedAt,
		&msg.IsPinned,
		&msg.PinnedBy,
		&msg.IsDeleted,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.ClientMessageID = clientID.String
	msg.EditedAt = timePtr(editedAt)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &msg.Files); err != nil {
			return nil, fmt.Errorf("unmarshal message files: %w", err)
		}
	}
	if len(msg.Files) == 0 {
		msg.Files = nil
	}
	return &msg, nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	if msg == nil || msg.ConversationID == "" || msg.SenderID == "" {
		return nil, false, fmt.Errorf("message is required: %w", ErrInvalidInput)
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	if stored.Status == "" {
		stored.Status = models.StatusSent
	}
	files, err := json.Marshal(stored.Files)
	if err != nil {
		return nil, false, fmt.Errorf("marshal message files: %w", err)
	}
	if stored.Files == nil {
		files = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if stored.ClientMessageID != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx, s.q(
			`SELECT `+messageColumns+` FROM messages
			 WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3`),
			stored.ConversationID, stored.SenderID, stored.ClientMessageID,
		))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("lookup client message id: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, s.q(
		`UPDATE conversations SET last_seq = last_seq + 1, updated_at = $2 WHERE id = $1 RETURNING last_seq`),
		stored.ConversationID, stored.CreatedAt,
	).Scan(&stored.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("advance conversation sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`),
		stored.ID,
		stored.ConversationID,
		stored.SenderID,
		stored.Seq,
		nullString(stored.ClientMessageID),
		stored.Content,
		stored.Type,
		stored.Status,
		string(files),
		stored.ReplyTo,
		stored.ThreadID,
		stored.ForwardedFrom,
		stored.IsEdited,
		nullTime(stored.EditedAt),
		stored.IsPinned,
		stored.PinnedBy,
		stored.IsDeleted,
		stored.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrAlreadyExists
		}
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit insert message: %w", err)
	}
	return &stored, true, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = $1`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND is_deleted = $2`
	args := []any{conversationID, false}
	if beforeSeq > 0 {
		query += ` AND seq < $3 ORDER BY seq DESC LIMIT $4`
		args = append(args, beforeSeq, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) updateMessage(ctx context.Context, op, query string, args ...any) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.q(query+` RETURNING `+messageColumns), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return msg, nil
}

func (s *SQLStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error) {
	return s.updateMessage(ctx, "edit message",
		`UPDATE messages SET content = $2, is_edited = $3, edited_at = $4 WHERE id = $1 AND is_deleted = $5`,
		id, content, true, editedAt.UTC(), false,
	)
}

func (s *SQLStore) SetPinned(ctx context.Context, id string, pinned bool, by string) (*models.Message, error) {
	if !pinned {
		by = ""
	}
	return s.updateMessage(ctx, "pin message",
		`UPDATE messages SET is_pinned = $2, pinned_by = $3 WHERE id = $1 AND is_deleted = $4`,
		id, pinned, by, false,
	)
}

func (s *SQLStore) MarkDeleted(ctx context.Context, id string) (*models.Message, error) {
	return s.updateMessage(ctx, "delete message",
		`UPDATE messages SET is_deleted = $2, content = '', files = '[]' WHERE id = $1 AND is_deleted = $3`,
		id, true, false,
	)
}

func (s *SQLStore) MarkRead(ctx context.Context, conversationID, readerID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	args := []any{conversationID, readerID, models.StatusRead}
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`UPDATE messages SET status = $3
		 WHERE conversation_id = $1 AND sender_id <> $2 AND status <> $3 AND id IN (`+strings.Join(placeholders, ", ")+`)
		 RETURNING id`), args...)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()
	changed := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan read id: %w", err)
		}
		changed = append(changed, id)
	}
	return changed, rows.Err()
}

func (s *SQLStore) ToggleReaction(ctx context.Context, reaction *models.Reaction) (bool, int, error) {
	if reaction == nil || reaction.MessageID == "" || reaction.UserID == "" || reaction.Emoji == "" {
		return false, 0, fmt.Errorf("reaction is required: %w", ErrInvalidInput)
	}
	created := reaction.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin toggle reaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM messages WHERE id = $1`), reaction.MessageID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, ErrNotFound
		}
		return false, 0, fmt.Errorf("lookup message: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`),
		reaction.MessageID, reaction.UserID, reaction.Emoji,
	)
	if err != nil {
		return false, 0, fmt.Errorf("remove reaction: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("remove reaction: %w", err)
	}
	selected := false
	if removed == 0 {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES ($1,$2,$3,$4)`),
			reaction.MessageID, reaction.UserID, reaction.Emoji, created.UTC(),
		); err != nil {
			return false, 0, fmt.Errorf("add reaction: %w", err)
		}
		selected = true
	}

	var count int
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT count(*) FROM reactions WHERE message_id = $1 AND emoji = $2`),
		reaction.MessageID, reaction.Emoji,
	).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("count reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit toggle reaction: %w", err)
	}
	return selected, count, nil
}

func (s *SQLStore) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	if req == nil || req.FromUserID == "" || req.ToUserID == "" || req.FromUserID == req.ToUserID {
		return fmt.Errorf("connection request is required: %w", ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ConnectionPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, s.q(
		`SELECT count(*) FROM connection_requests
		 WHERE status <> $3 AND ((from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1))`),
		req.FromUserID, req.ToUserID, models.ConnectionDeclined,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check existing request: %w", err)
	}
	if existing > 0 {
		return ErrAlreadyExists
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO connection_requests (id, from_user_id, to_user_id, status, message, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`),
		req.ID, req.FromUserID, req.ToUserID, req.Status, req.Message, req.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

const requestColumns = `id, from_user_id, to_user_id, status, message, created_at, responded_at`

func scanRequest(row rowScanner) (*models.ConnectionRequest, error) {
	var req models.ConnectionRequest
	var responded sql.NullTime
	if err := row.Scan(&req.ID, &req.FromUserID, &req.ToUserID, &req.Status, &req.Message, &req.CreatedAt, &responded); err != nil {
		return nil, err
	}
	req.RespondedAt = timePtr(responded)
	return &req, nil
}

func (s *SQLStore) RespondRequest(ctx context.Context, id string, status models.ConnectionStatus, at time.Time) (*models.ConnectionRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, s.q(
		`UPDATE connection_requests SET status = $2, responded_at = $3 WHERE id = $1 RETURNING `+requestColumns),
		id, status, at.UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("respond request: %w", err)
	}
	return req, nil
}

func (s *SQLStore) ListPending(ctx context.Context, userID string) ([]*models.ConnectionRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+requestColumns+` FROM connection_requests WHERE to_user_id = $1 AND status = $2 ORDER BY created_at DESC`),
		userID, models.ConnectionPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()
	out := []*models.ConnectionRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddSuggestion(ctx context.Context, suggestion *models.FriendSuggestion) error {
	if suggestion == nil || suggestion.UserID == "" || suggestion.SuggestedUserID == "" {
		return fmt.Errorf("suggestion is required: %w", ErrInvalidInput)
	}
	created := suggestion.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO friend_suggestions (user_id, suggested_user_id, reason, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, suggested_user_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`),
		suggestion.UserID, suggestion.SuggestedUserID, suggestion.Reason, created.UTC(),
	); err != nil {
		return fmt.Errorf("add suggestion: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSuggestions(ctx context.Context, userID string, limit int) ([]*models.FriendSuggestion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT user_id, suggested_user_id, reason, created_at FROM friend_suggestions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()
	out := []*models.FriendSuggestion{}
	for rows.Next() {
		var suggestion models.FriendSuggestion
		if err := rows.Scan(&suggestion.UserID, &suggestion.SuggestedUserID, &suggestion.Reason, &suggestion.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		out = append(out, &suggestion)
	}
	return out, rows.Err()
}

func (s *SQLStore) RelatedUsers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT other.user_id FROM conversation_members me
		 JOIN conversation_members other ON other.conversation_id = me.conversation_id AND other.user_id <> me.user_id
		 WHERE me.user_id = $1
		 UNION
		 SELECT CASE WHEN from_user_id = $1 THEN to_user_id ELSE from_user_id END
		 FROM connection_requests
		 WHERE status = $2 AND (from_user_id = $1 OR to_user_id = $1)`),
		userID, models.ConnectionAccepted,
	)
	if err != nil {
		return nil, fmt.Errorf("related users: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan related user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n == nil || n.RecipientID == "" {
		return fmt.Errorf("notification is required: %w", ErrInvalidInput)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO notifications (id, recipient_id, type, payload, is_read, created_at) VALUES ($1,$2,$3,$4,$5,$6)`),
		n.ID, n.RecipientID, n.Type, string(payload), n.IsRead, n.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *SQLStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, recipient_id, type, payload, is_read, created_at FROM notifications WHERE recipient_id = $1`
	args := []any{recipientID}
	if unreadOnly {
		args = append(args, false)
		query += fmt.Sprintf(` AND is_read = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	out := []*models.Notification{}
	for rows.Next() {
		var n models.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &payload, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal notification payload: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkNotificationsRead(ctx context.Context, recipientID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{recipientID, true}
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notifications SET is_read = $2 WHERE recipient_id = $1 AND is_read <> $2 AND id IN (`+strings.Join(placeholders, ", ")+`)`),
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStore) GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	prefs := models.NotificationPreferences{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT mute_all, messages, reactions, connection_requests, friend_suggestions
		 FROM notification_preferences WHERE user_id = $1`), userID,
	).Scan(&prefs.MuteAll, &prefs.Messages, &prefs.Reactions, &prefs.ConnectionRequests, &prefs.FriendSuggestions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultNotificationPreferences(userID), nil
		}
		return prefs, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

func (s *SQLStore) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("preferences user id is required: %w", ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO notification_preferences (user_id, mute_all, messages, reactions, connection_requests, friend_suggestions)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id) DO UPDATE SET mute_all = excluded.mute_all, messages = excluded.messages,
		   reactions = excluded.reactions, connection_requests = excluded.connection_requests,
		   friend_suggestions = excluded.friend_suggestions`),
		prefs.UserID, prefs.MuteAll, prefs.Messages, prefs.Reactions, prefs.ConnectionRequests, prefs.FriendSuggestions,
	); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
