package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Memory is an in-memory Store used by tests and by the server when no
// MySQL DSN is configured. Semantics mirror the MySQL implementation.
type Memory struct {
	mu            sync.RWMutex
	nextUserID    int64
	nextChatID    int64
	nextMessageID int64
	users         map[int64]*memUser
	byName        map[string]int64
	chats         map[int64]*memChat
	messages      map[int64]*memMessage
}

type memUser struct {
	id       int64
	username string
	hash     []byte
}

type memChat struct {
	id      int64
	name    string
	isGroup bool
	members []int64
	msgIDs  []int64
}

type memMessage struct {
	msg        Message
	deletedAll bool
	hiddenBy   map[int64]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*memUser),
		byName:   make(map[string]int64),
		chats:    make(map[int64]*memChat),
		messages: make(map[int64]*memMessage),
	}
}

func (m *Memory) RegisterUser(ctx context.Context, username, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[username]; ok {
		return User{}, ErrUsernameTaken
	}
	m.nextUserID++
	u := &memUser{id: m.nextUserID, username: username, hash: hash}
	m.users[u.id] = u
	m.byName[username] = u.id
	return User{ID: u.id, Username: u.username}, nil
}

func (m *Memory) AuthenticateUser(ctx context.Context, username, password string) (User, error) {
	m.mu.RLock()
	id, ok := m.byName[username]
	var u *memUser
	if ok {
		u = m.users[id]
	}
	m.mu.RUnlock()

	if u == nil {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return User{ID: u.id, Username: u.username}, nil
}

func (m *Memory) LookupUser(ctx context.Context, userID int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return User{ID: u.id, Username: u.username}, nil
}

func (m *Memory) CreateChat(ctx context.Context, name string, isGroup bool, members []string) (Chat, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := make([]Member, 0, len(members))
	ids := make([]int64, 0, len(members))
	for _, username := range members {
		id, ok := m.byName[username]
		if !ok {
			return Chat{}, nil, ErrUserNotFound
		}
		resolved = append(resolved, Member{UserID: id, Username: username})
		ids = append(ids, id)
	}

	m.nextChatID++
	c := &memChat{id: m.nextChatID, name: name, isGroup: isGroup, members: ids}
	m.chats[c.id] = c
	return Chat{ID: c.id, Name: name, IsGroup: isGroup}, resolved, nil
}

func (m *Memory) FindPrivateChat(ctx context.Context, userA, userB string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idA, okA := m.byName[userA]
	idB, okB := m.byName[userB]
	if !okA || !okB {
		return 0, ErrChatNotFound
	}
	for _, c := range m.chats {
		if c.isGroup || len(c.members) != 2 {
			continue
		}
		if (c.members[0] == idA && c.members[1] == idB) ||
			(c.members[0] == idB && c.members[1] == idA) {
			return c.id, nil
		}
	}
	return 0, ErrChatNotFound
}

func (m *Memory) SaveMessage(ctx context.Context, chatID, senderID int64, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok {
		return Message{}, ErrChatNotFound
	}
	if !containsID(c.members, senderID) {
		return Message{}, ErrNotChatMember
	}
	sender, ok := m.users[senderID]
	if !ok {
		return Message{}, ErrUserNotFound
	}

	m.nextMessageID++
	msg := Message{
		ID:         m.nextMessageID,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: sender.username,
		Content:    content,
		SentAt:     time.Now().Unix(),
	}
	m.messages[msg.ID] = &memMessage{msg: msg, hiddenBy: make(map[int64]bool)}
	c.msgIDs = append(c.msgIDs, msg.ID)
	return msg, nil
}

func (m *Memory) ChatMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	ids := make([]int64, len(c.members))
	copy(ids, c.members)
	return ids, nil
}

func (m *Memory) UserChats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ChatSummary
	for _, c := range m.chats {
		if !containsID(c.members, userID) {
			continue
		}
		summary := ChatSummary{ChatID: c.id, Name: c.name, IsGroup: c.isGroup}
		for i := len(c.msgIDs) - 1; i >= 0; i-- {
			mm := m.messages[c.msgIDs[i]]
			if mm.deletedAll || mm.hiddenBy[userID] {
				continue
			}
			summary.LastMessage = mm.msg.Content
			summary.LastSentAt = mm.msg.SentAt
			break
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSentAt != out[j].LastSentAt {
			return out[i].LastSentAt > out[j].LastSentAt
		}
		return out[i].ChatID > out[j].ChatID
	})
	return out, nil
}

func (m *Memory) History(ctx context.Context, chatID, userID, beforeMessageID int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	if !containsID(c.members, userID) {
		return nil, ErrNotChatMember
	}

	var page []Message
	for i := len(c.msgIDs) - 1; i >= 0 && len(page) < limit; i-- {
		mm := m.messages[c.msgIDs[i]]
		if beforeMessageID > 0 && mm.msg.ID >= beforeMessageID {
			continue
		}
		if mm.deletedAll || mm.hiddenBy[userID] {
			continue
		}
		page = append(page, mm.msg)
	}
	// oldest first
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (m *Memory) DeleteMessageForUser(ctx context.Context, messageID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	mm.hiddenBy[userID] = true
	return nil
}

func (m *Memory) DeleteMessageForAll(ctx context.Context, messageID, userID int64) (DeletedInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.messages[messageID]
	if !ok {
		return DeletedInfo{}, ErrMessageNotFound
	}
	if mm.msg.SenderID != userID {
		return DeletedInfo{}, ErrNotMessageSender
	}
	if mm.deletedAll {
		return DeletedInfo{}, ErrMessageDeleted
	}
	mm.deletedAll = true
	return DeletedInfo{MessageID: messageID, ChatID: mm.msg.ChatID}, nil
}

func (m *Memory) EditMessage(ctx context.Context, userID, messageID int64, content string) (EditedInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.messages[messageID]
	if !ok {
		return EditedInfo{}, ErrMessageNotFound
	}
	if mm.msg.SenderID != userID {
		return EditedInfo{}, ErrNotMessageSender
	}
	if mm.deletedAll {
		return EditedInfo{}, ErrMessageDeleted
	}
	mm.msg.Content = content
	editedAt := time.Now().Unix()
	return EditedInfo{
		MessageID: messageID,
		ChatID:    mm.msg.ChatID,
		Content:   content,
		EditedAt:  editedAt,
	}, nil
}

func (m *Memory) SearchUsers(ctx context.Context, query string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []User
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.username), needle) {
			out = append(out, User{ID: u.id, Username: u.username})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
