// Package store defines the narrow persistence interface the communication
// core consumes, with a MySQL implementation and an in-memory one.
package store

import (
	"context"
	"errors"
)

// Business failures the dispatcher maps to curated error responses. Any
// other error from a Store is treated as unexpected and never surfaced to
// the wire.
var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrNotChatMember      = errors.New("not a chat member")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotMessageSender   = errors.New("not the message sender")
	ErrMessageDeleted     = errors.New("message already deleted")
)

type User struct {
	ID       int64
	Username string
}

type Chat struct {
	ID      int64
	Name    string
	IsGroup bool
}

type Member struct {
	UserID   int64
	Username string
}

type Message struct {
	ID         int64
	ChatID     int64
	SenderID   int64
	SenderName string
	Content    string
	SentAt     int64
}

type ChatSummary struct {
	ChatID      int64
	Name        string
	IsGroup     bool
	LastMessage string
	LastSentAt  int64
}

type DeletedInfo struct {
	MessageID int64
	ChatID    int64
}

type EditedInfo struct {
	MessageID int64
	ChatID    int64
	Content   string
	EditedAt  int64
}

// Store is the persistence interface consumed by the dispatcher. All
// implementations must be safe for concurrent use; callers bound each call
// with a context deadline.
type Store interface {
	// RegisterUser creates a user with a hashed password.
	// Fails with ErrUsernameTaken.
	RegisterUser(ctx context.Context, username, password string) (User, error)

	// AuthenticateUser checks credentials. Fails with ErrInvalidCredentials
	// for an unknown username or a wrong password alike.
	AuthenticateUser(ctx context.Context, username, password string) (User, error)

	// LookupUser fetches a user by id. Fails with ErrUserNotFound.
	LookupUser(ctx context.Context, userID int64) (User, error)

	// CreateChat creates a chat with the given members (usernames, creator
	// first). Fails with ErrUserNotFound when a member does not exist.
	CreateChat(ctx context.Context, name string, isGroup bool, members []string) (Chat, []Member, error)

	// FindPrivateChat returns the id of the existing two-member non-group
	// chat between the two usernames, or ErrChatNotFound.
	FindPrivateChat(ctx context.Context, userA, userB string) (int64, error)

	// SaveMessage persists a text message. Fails with ErrChatNotFound or
	// ErrNotChatMember.
	SaveMessage(ctx context.Context, chatID, senderID int64, content string) (Message, error)

	// ChatMemberIDs resolves the broadcast recipient set.
	ChatMemberIDs(ctx context.Context, chatID int64) ([]int64, error)

	// UserChats lists the chats the user belongs to, most recent first.
	UserChats(ctx context.Context, userID int64) ([]ChatSummary, error)

	// History pages backwards from beforeMessageID (zero = latest),
	// excluding messages the user deleted for themselves and messages
	// deleted for everyone. Fails with ErrChatNotFound or ErrNotChatMember.
	History(ctx context.Context, chatID, userID, beforeMessageID int64, limit int) ([]Message, error)

	// DeleteMessageForUser hides a message from one user's history.
	DeleteMessageForUser(ctx context.Context, messageID, userID int64) error

	// DeleteMessageForAll marks a message deleted for everyone. Only the
	// sender may do this; fails with ErrNotMessageSender or
	// ErrMessageDeleted.
	DeleteMessageForAll(ctx context.Context, messageID, userID int64) (DeletedInfo, error)

	// EditMessage replaces a message's content. Only the sender may edit;
	// fails with ErrNotMessageSender or ErrMessageDeleted.
	EditMessage(ctx context.Context, userID, messageID int64, content string) (EditedInfo, error)

	// SearchUsers finds users whose username contains the query.
	SearchUsers(ctx context.Context, query string) ([]User, error)
}
