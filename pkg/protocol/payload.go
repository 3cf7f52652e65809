package protocol

// Request payloads, one per command. Commands other than Login, Register
// and Reconnect act on behalf of the connection's bound identity, so no
// request carries a sender id.

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ReconnectPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// CreateChatPayload lists members by username, the creator included. The
// creator gets the direct response; everyone else gets the push.
type CreateChatPayload struct {
	Name    string   `json:"name"`
	IsGroup bool     `json:"is_group"`
	Members []string `json:"members"`
}

type SendMessagePayload struct {
	ChatID  int64  `json:"chat_id"`
	Content string `json:"content"`
}

type DeleteForMePayload struct {
	MessageID int64 `json:"message_id"`
}

type DeleteForAllPayload struct {
	MessageID int64 `json:"message_id"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type SearchUserPayload struct {
	Query string `json:"query"`
}

type GetChatsPayload struct{}

// GetHistoryPayload pages backwards: BeforeMessageID zero means "from the
// latest", Limit zero means the server default.
type GetHistoryPayload struct {
	ChatID          int64 `json:"chat_id"`
	BeforeMessageID int64 `json:"before_message_id,omitempty"`
	Limit           int   `json:"limit,omitempty"`
}

// Success payloads.

// AuthPayload answers Login, Register and Reconnect, and is what the server
// binds into the registry on first successful authentication.
type AuthPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type MemberInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online,omitempty"`
}

type ChatInfo struct {
	ChatID  int64        `json:"chat_id"`
	Name    string       `json:"name"`
	IsGroup bool         `json:"is_group"`
	Members []MemberInfo `json:"members"`
}

type MessageInfo struct {
	MessageID  int64  `json:"message_id"`
	ChatID     int64  `json:"chat_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	SentAt     int64  `json:"sent_at"`
}

type DeletedForMePayload struct {
	MessageID int64 `json:"message_id"`
}

type DeletedPayload struct {
	MessageID int64 `json:"message_id"`
	ChatID    int64 `json:"chat_id"`
}

type EditedPayload struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"edited_at"`
}

type SearchResultPayload struct {
	Users []MemberInfo `json:"users"`
}

type ChatSummaryInfo struct {
	ChatID      int64  `json:"chat_id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"is_group"`
	LastMessage string `json:"last_message,omitempty"`
	LastSentAt  int64  `json:"last_sent_at,omitempty"`
}

type ChatListPayload struct {
	Chats []ChatSummaryInfo `json:"chats"`
}

type HistoryPayload struct {
	Messages []MessageInfo `json:"messages"`
}

// ErrorPayload carries a curated message on business errors; ChatID is set
// only when CreateChat is rejected because the private chat already exists.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}
