package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore implements every store interface in process. It backs tests
// and single-node development setups.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]*models.User
	presence      map[string]*models.Presence
	conversations map[string]*models.Conversation
	members       map[string]map[string]*models.ConversationMember // conversation -> user
	messages      map[string]*models.Message
	clientIDs     map[string]string // conversation/sender/client id -> message id
	reactions     map[string]map[string]time.Time // message/emoji -> user -> created
	requests      map[string]*models.ConnectionRequest
	suggestions   map[string][]*models.FriendSuggestion
	notifications map[string]*models.Notification
	preferences   map[string]models.NotificationPreferences
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		presence:      make(map[string]*models.Presence),
		conversations: make(map[string]*models.Conversation),
		members:       make(map[string]map[string]*models.ConversationMember),
		messages:      make(map[string]*models.Message),
		clientIDs:     make(map[string]string),
		reactions:     make(map[string]map[string]time.Time),
		requests:      make(map[string]*models.ConnectionRequest),
		suggestions:   make(map[string][]*models.FriendSuggestion),
		notifications: make(map[string]*models.Notification),
		preferences:   make(map[string]models.NotificationPreferences),
	}
}

// NewMemoryStores returns a StoreSet backed by a single MemoryStore.
func NewMemoryStores() StoreSet {
	return NewMemoryStore().Stores()
}

// Stores exposes the memory store through every StoreSet interface.
func (s *MemoryStore) Stores() StoreSet {
	return StoreSet{
		Users:         s,
		Presence:      s,
		Conversations: s,
		Messages:      s,
		Connections:   s,
		Notifications: s,
	}
}

func (s *MemoryStore) Create(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now()
	copyUser := *user
	if copyUser.CreatedAt.IsZero() {
		copyUser.CreatedAt = now
	}
	copyUser.UpdatedAt = copyUser.CreatedAt
	s.users[user.ID] = &copyUser
	s.presence[user.ID] = &models.Presence{UserID: user.ID, Status: models.PresenceOffline, LastActive: copyUser.CreatedAt}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copyPresence := *p
	return &copyPresence, nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, userID string, status models.PresenceStatus, lastActive time.Time) (models.PresenceStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("presence status %q: %w", status, ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok {
		if _, known := s.users[userID]; !known {
			return "", ErrNotFound
		}
		p = &models.Presence{UserID: userID, Status: models.PresenceOffline}
		s.presence[userID] = p
	}
	previous := p.Status
	p.Status = status
	p.LastActive = lastActive
	return previous, nil
}

func (s *MemoryStore) ListStalePresence(ctx context.Context, cutoff time.Time, limit int) ([]*models.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Presence, 0)
	for _, p := range s.presence {
		if p.Status == models.PresenceOffline || !p.LastActive.Before(cutoff) {
			continue
		}
		copyPresence := *p
		out = append(out, &copyPresence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("conversation is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now()
	copyConv := *conv
	if copyConv.CreatedAt.IsZero() {
		copyConv.CreatedAt = now
	}
	copyConv.UpdatedAt = copyConv.CreatedAt
	s.conversations[conv.ID] = &copyConv
	memberMap := make(map[string]*models.ConversationMember, len(members))
	for _, member := range members {
		if member == nil || member.UserID == "" {
			continue
		}
		copyMember := *member
		copyMember.ConversationID = conv.ID
		if copyMember.Role == "" {
			copyMember.Role = models.RoleMember
		}
		if copyMember.JoinedAt.IsZero() {
			copyMember.JoinedAt = now
		}
		memberMap[member.UserID] = &copyMember
	}
	s.members[conv.ID] = memberMap
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copyConv := *conv
	return &copyConv, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[conversationID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	copyMember := *member
	return &copyMember, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, conversationID string) ([]*models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	return s.sortedMembersLocked(conversationID, ""), nil
}

func (s *MemoryStore) sortedMembersLocked(conversationID, except string) []*models.ConversationMember {
	out := make([]*models.ConversationMember, 0, len(s.members[conversationID]))
	for userID, member := range s.members[conversationID] {
		if userID == except {
			continue
		}
		copyMember := *member
		out = append(out, &copyMember)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *MemoryStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for conversationID, members := range s.members {
		if _, ok := members[userID]; ok {
			ids = append(ids, conversationID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) IncrementUnread(ctx context.Context, conversationID, exceptUserID string) ([]*models.ConversationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	for userID, member := range s.members[conversationID] {
		if userID == exceptUserID {
			continue
		}
		member.UnreadCount++
	}
	return s.sortedMembersLocked(conversationID, exceptUserID), nil
}

func (s *MemoryStore) ResetUnread(ctx context.Context, conversationID, userID string, at time.Time) (*models.ConversationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[conversationID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	member.UnreadCount = 0
	readAt := at
	member.LastRead = &readAt
	copyMember := *member
	return &copyMember, nil
}

func clientKey(conversationID, senderID, clientID string) string {
	return conversationID + "/" + senderID + "/" + clientID
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	if msg == nil || msg.ConversationID == "" || msg.SenderID == "" {
		return nil, false, fmt.Errorf("message is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if msg.ClientMessageID != "" {
		if existingID, dup := s.clientIDs[clientKey(msg.ConversationID, msg.SenderID, msg.ClientMessageID)]; dup {
			existing := *s.messages[existingID]
			return &existing, false, nil
		}
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.messages[stored.ID]; exists {
		return nil, false, ErrAlreadyExists
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.Status == "" {
		stored.Status = models.StatusSent
	}
	conv.LastSeq++
	conv.UpdatedAt = stored.CreatedAt
	stored.Seq = conv.LastSeq
	stored.Files = append([]models.FileRef(nil), msg.Files...)
	s.messages[stored.ID] = &stored
	if stored.ClientMessageID != "" {
		s.clientIDs[clientKey(stored.ConversationID, stored.SenderID, stored.ClientMessageID)] = stored.ID
	}
	out := stored
	return &out, true, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.IsDeleted {
			continue
		}
		if beforeSeq > 0 && msg.Seq >= beforeSeq {
			continue
		}
		copyMsg := *msg
		out = append(out, &copyMsg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) mutateMessage(id string, fn func(*models.Message)) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.IsDeleted {
		return nil, ErrNotFound
	}
	fn(msg)
	out := *msg
	return &out, nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error) {
	return s.mutateMessage(id, func(msg *models.Message) {
		msg.Content = content
		msg.IsEdited = true
		at := editedAt
		msg.EditedAt = &at
	})
}

func (s *MemoryStore) SetPinned(ctx context.Context, id string, pinned bool, by string) (*models.Message, error) {
	return s.mutateMessage(id, func(msg *models.Message) {
		msg.IsPinned = pinned
		msg.PinnedBy = ""
		if pinned {
			msg.PinnedBy = by
		}
	})
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, id string) (*models.Message, error) {
	return s.mutateMessage(id, func(msg *models.Message) {
		msg.IsDeleted = true
		msg.Content = ""
		msg.Files = nil
	})
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0, len(ids))
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.ConversationID != conversationID || msg.SenderID == readerID || msg.Status == models.StatusRead {
			continue
		}
		msg.Status = models.StatusRead
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *MemoryStore) ToggleReaction(ctx context.Context, reaction *models.Reaction) (bool, int, error) {
	if reaction == nil || reaction.MessageID == "" || reaction.UserID == "" || reaction.Emoji == "" {
		return false, 0, fmt.Errorf("reaction is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[reaction.MessageID]; !ok {
		return false, 0, ErrNotFound
	}
	key := reaction.MessageID + "/" + reaction.Emoji
	users := s.reactions[key]
	if users == nil {
		users = make(map[string]time.Time)
		s.reactions[key] = users
	}
	selected := false
	if _, exists := users[reaction.UserID]; exists {
		delete(users, reaction.UserID)
	} else {
		created := reaction.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		users[reaction.UserID] = created
		selected = true
	}
	return selected, len(users), nil
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	if req == nil || req.FromUserID == "" || req.ToUserID == "" || req.FromUserID == req.ToUserID {
		return fmt.Errorf("connection request is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		samePair := (existing.FromUserID == req.FromUserID && existing.ToUserID == req.ToUserID) ||
			(existing.FromUserID == req.ToUserID && existing.ToUserID == req.FromUserID)
		if samePair && existing.Status != models.ConnectionDeclined {
			return ErrAlreadyExists
		}
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
	copyReq := *req
	s.requests[req.ID] = &copyReq
	return nil
}

func (s *MemoryStore) RespondRequest(ctx context.Context, id string, status models.ConnectionStatus, at time.Time) (*models.ConnectionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	req.Status = status
	respondedAt := at
	req.RespondedAt = &respondedAt
	copyReq := *req
	return &copyReq, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, userID string) ([]*models.ConnectionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ConnectionRequest, 0)
	for _, req := range s.requests {
		if req.ToUserID == userID && req.Status == models.ConnectionPending {
			copyReq := *req
			out = append(out, &copyReq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddSuggestion(ctx context.Context, suggestion *models.FriendSuggestion) error {
	if suggestion == nil || suggestion.UserID == "" || suggestion.SuggestedUserID == "" {
		return fmt.Errorf("suggestion is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copySuggestion := *suggestion
	if copySuggestion.CreatedAt.IsZero() {
		copySuggestion.CreatedAt = time.Now()
	}
	s.suggestions[suggestion.UserID] = append(s.suggestions[suggestion.UserID], &copySuggestion)
	return nil
}

func (s *MemoryStore) ListSuggestions(ctx context.Context, userID string, limit int) ([]*models.FriendSuggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.suggestions[userID]
	out := make([]*models.FriendSuggestion, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		copySuggestion := *list[i]
		out = append(out, &copySuggestion)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RelatedUsers(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, members := range s.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		for other := range members {
			if other != userID {
				seen[other] = struct{}{}
			}
		}
	}
	for _, req := range s.requests {
		if req.Status != models.ConnectionAccepted {
			continue
		}
		if req.FromUserID == userID || req.ToUserID == userID {
			seen[req.Other(userID)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n == nil || n.RecipientID == "" {
		return fmt.Errorf("notification is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	copyN := *n
	s.notifications[n.ID] = &copyN
	return nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Notification, 0)
	for _, n := range s.notifications {
		if n.RecipientID != recipientID || (unreadOnly && n.IsRead) {
			continue
		}
		copyN := *n
		out = append(out, &copyN)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkNotificationsRead(ctx context.Context, recipientID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, id := range ids {
		n, ok := s.notifications[id]
		if !ok || n.RecipientID != recipientID || n.IsRead {
			continue
		}
		n.IsRead = true
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if prefs, ok := s.preferences[userID]; ok {
		return prefs, nil
	}
	return models.DefaultNotificationPreferences(userID), nil
}

func (s *MemoryStore) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("preferences user id is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[prefs.UserID] = prefs
	return nil
}
