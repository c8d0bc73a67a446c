package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/haasonsaas/relay/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewSQLStore(db, DialectPostgres)
}

var messageColumnNames = []string{
	"id", "conversation_id", "sender_id", "seq", "client_message_id", "content", "type", "status", "files",
	"reply_to", "thread_id", "forwarded_from", "is_edited", "edited_at", "is_pinned", "pinned_by", "is_deleted", "created_at",
}

func TestDialectRebind(t *testing.T) {
	query := `SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $10`
	if got := DialectPostgres.rebind(query); got != query {
		t.Fatalf("postgres rebind changed query: %q", got)
	}
	want := `SELECT * FROM t WHERE a = ?1 AND b = ?2 AND c = ?10`
	if got := DialectSQLite.rebind(query); got != want {
		t.Fatalf("sqlite rebind = %q, want %q", got, want)
	}
}

func TestDriverAndDialect(t *testing.T) {
	tests := []struct {
		driver      string
		wantDriver  string
		wantDialect Dialect
		wantErr     bool
	}{
		{"", "postgres", DialectPostgres, false},
		{"cockroachdb", "postgres", DialectPostgres, false},
		{"SQLite", "sqlite", DialectSQLite, false},
		{"mysql", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			driver, dialect, err := driverAndDialect(tt.driver)
			if (err != nil) != tt.wantErr {
				t.Fatalf("driverAndDialect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if driver != tt.wantDriver || dialect != tt.wantDialect {
				t.Fatalf("driverAndDialect() = %q, %q", driver, dialect)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Fatal("expected pq unique violation")
	}
	if !isUniqueViolation(errors.New("UNIQUE constraint failed: users.id")) {
		t.Fatal("expected sqlite unique violation")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Fatal("unexpected unique violation")
	}
}

func TestSQLStore_CreateUser(t *testing.T) {
	tests := []struct {
		name      string
		user      *models.User
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "successful create",
			user: &models.User{ID: "alice", Username: "alice"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO users").
					WithArgs("alice", "alice", "", "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO presence").
					WithArgs("alice", models.PresenceOffline, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "duplicate user",
			user: &models.User{ID: "alice"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO users").WillReturnError(&pq.Error{Code: "23505"})
				mock.ExpectRollback()
			},
			wantErr: ErrAlreadyExists,
		},
		{
			name:      "missing id",
			user:      &models.User{},
			setupMock: func(sqlmock.Sqlmock) {},
			wantErr:   ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)
			err := store.Create(context.Background(), tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_SetPresence(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM presence").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("away"))
	mock.ExpectExec("INSERT INTO presence").
		WithArgs("alice", models.PresenceOnline, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prev, err := store.SetPresence(context.Background(), "alice", models.PresenceOnline, time.Now())
	if err != nil {
		t.Fatalf("SetPresence() error = %v", err)
	}
	if prev != models.PresenceAway {
		t.Fatalf("previous = %q, want away", prev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_InsertMessage(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantCreated bool
		wantSeq     int64
		wantErr     error
	}{
		{
			name: "new message advances sequence",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM messages").
					WithArgs("c1", "alice", "client-1").
					WillReturnRows(sqlmock.NewRows(messageColumnNames))
				mock.ExpectQuery("UPDATE conversations SET last_seq").
					WithArgs("c1", sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(7))
				mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			wantCreated: true,
			wantSeq:     7,
		},
		{
			name: "duplicate client id returns original",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM messages").
					WithArgs("c1", "alice", "client-1").
					WillReturnRows(sqlmock.NewRows(messageColumnNames).AddRow(
						"m-1", "c1", "alice", 3, "client-1", "hello", "text", "sent", []byte("[]"),
						"", "", "", false, nil, false, "", false, now,
					))
				mock.ExpectRollback()
			},
			wantCreated: false,
			wantSeq:     3,
		},
		{
			name: "missing conversation",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM messages").WillReturnRows(sqlmock.NewRows(messageColumnNames))
				mock.ExpectQuery("UPDATE conversations SET last_seq").WillReturnRows(sqlmock.NewRows([]string{"last_seq"}))
				mock.ExpectRollback()
			},
			wantErr: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)
			msg := &models.Message{ConversationID: "c1", SenderID: "alice", ClientMessageID: "client-1", Content: "hello", Type: models.MessageText}
			stored, created, err := store.InsertMessage(context.Background(), msg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("InsertMessage() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if created != tt.wantCreated || stored.Seq != tt.wantSeq {
					t.Fatalf("InsertMessage() = seq %d created %v, want seq %d created %v", stored.Seq, created, tt.wantSeq, tt.wantCreated)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_ToggleReaction(t *testing.T) {
	tests := []struct {
		name         string
		removed      int64
		count        int
		wantSelected bool
	}{
		{name: "adds missing reaction", removed: 0, count: 2, wantSelected: true},
		{name: "removes existing reaction", removed: 1, count: 1, wantSelected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT 1 FROM messages").WithArgs("m-1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
			mock.ExpectExec("DELETE FROM reactions").WithArgs("m-1", "bob", "🎉").
				WillReturnResult(sqlmock.NewResult(0, tt.removed))
			if tt.removed == 0 {
				mock.ExpectExec("INSERT INTO reactions").WithArgs("m-1", "bob", "🎉", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			}
			mock.ExpectQuery("SELECT count").WithArgs("m-1", "🎉").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.count))
			mock.ExpectCommit()

			selected, count, err := store.ToggleReaction(context.Background(), &models.Reaction{MessageID: "m-1", UserID: "bob", Emoji: "🎉"})
			if err != nil {
				t.Fatalf("ToggleReaction() error = %v", err)
			}
			if selected != tt.wantSelected || count != tt.count {
				t.Fatalf("ToggleReaction() = (%v, %d), want (%v, %d)", selected, count, tt.wantSelected, tt.count)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_IncrementUnread(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now()
	mock.ExpectQuery("UPDATE conversation_members SET unread_count = unread_count \\+ 1").
		WithArgs("c1", "alice").
		WillReturnRows(sqlmock.NewRows([]string{
			"conversation_id", "user_id", "role", "unread_count", "last_read", "muted", "pinned", "joined_at",
		}).AddRow("c1", "bob", "member", 4, nil, false, false, now).
			AddRow("c1", "carol", "member", 1, now, true, false, now))

	members, err := store.IncrementUnread(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("IncrementUnread() error = %v", err)
	}
	if len(members) != 2 || members[0].UnreadCount != 4 || !members[1].Muted || members[1].LastRead == nil {
		t.Fatalf("IncrementUnread() = %+v", members)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_MarkReadBuildsPlaceholders(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery(`id IN \(\$4, \$5\)`).
		WithArgs("c1", "bob", models.StatusRead, "m-1", "m-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m-2"))

	changed, err := store.MarkRead(context.Background(), "c1", "bob", []string{"m-1", "m-2"})
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if strings.Join(changed, ",") != "m-2" {
		t.Fatalf("changed = %v", changed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_GetMemberNotFound(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery("FROM conversation_members").
		WithArgs("c1", "mallory").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetMember(context.Background(), "c1", "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMember() error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_GetPreferencesDefaults(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery("FROM notification_preferences").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"mute_all", "messages", "reactions", "connection_requests", "friend_suggestions"}))

	prefs, err := store.GetPreferences(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if prefs != models.DefaultNotificationPreferences("alice") {
		t.Fatalf("GetPreferences() = %+v, want defaults", prefs)
	}
}

func TestSQLStore_SQLiteEndToEnd(t *testing.T) {
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	stores, err := NewSQLStores(&SQLConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLStores() error = %v", err)
	}
	defer stores.Close()

	store := stores.Messages.(*SQLStore)
	migrator, err := NewMigrator(store.db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}
	ctx := context.Background()
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	for _, id := range []string{"alice", "bob"} {
		if err := stores.Users.Create(ctx, &models.User{ID: id}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	members := []*models.ConversationMember{{UserID: "alice"}, {UserID: "bob"}}
	if err := stores.Conversations.CreateConversation(ctx, &models.Conversation{ID: "c1"}, members); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	first, created, err := stores.Messages.InsertMessage(ctx, &models.Message{ConversationID: "c1", SenderID: "alice", ClientMessageID: "x", Content: "hi"})
	if err != nil || !created || first.Seq != 1 {
		t.Fatalf("InsertMessage() = %+v, %v, %v", first, created, err)
	}
	dup, created, err := stores.Messages.InsertMessage(ctx, &models.Message{ConversationID: "c1", SenderID: "alice", ClientMessageID: "x", Content: "hi"})
	if err != nil || created || dup.ID != first.ID {
		t.Fatalf("InsertMessage() duplicate = %+v, %v, %v", dup, created, err)
	}
	second, _, err := stores.Messages.InsertMessage(ctx, &models.Message{ConversationID: "c1", SenderID: "bob", Content: "yo"})
	if err != nil || second.Seq != 2 {
		t.Fatalf("InsertMessage() second = %+v, %v", second, err)
	}

	updated, err := stores.Conversations.IncrementUnread(ctx, "c1", "alice")
	if err != nil || len(updated) != 1 || updated[0].UnreadCount != 1 {
		t.Fatalf("IncrementUnread() = %+v, %v", updated, err)
	}
	selected, count, err := stores.Messages.ToggleReaction(ctx, &models.Reaction{MessageID: first.ID, UserID: "bob", Emoji: "👍"})
	if err != nil || !selected || count != 1 {
		t.Fatalf("ToggleReaction() = %v, %d, %v", selected, count, err)
	}
	changed, err := stores.Messages.MarkRead(ctx, "c1", "bob", []string{first.ID, second.ID})
	if err != nil || len(changed) != 1 || changed[0] != first.ID {
		t.Fatalf("MarkRead() = %v, %v", changed, err)
	}
	related, err := stores.Connections.RelatedUsers(ctx, "alice")
	if err != nil || len(related) != 1 || related[0] != "bob" {
		t.Fatalf("RelatedUsers() = %v, %v", related, err)
	}

	rolled, err := migrator.Down(ctx, 2)
	if err != nil || len(rolled) != 2 {
		t.Fatalf("Down() = %v, %v", rolled, err)
	}
}
