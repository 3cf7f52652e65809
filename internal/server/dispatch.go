package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/vldKasatonov/UChat-sub000/internal/store"
	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Curated business-error messages. Internal failure detail never reaches
// the wire.
const (
	msgInvalidCredentials = "Invalid username or password."
	msgUsernameTaken      = "Username already exists."
	msgNotAuthenticated   = "Not authenticated."
	msgInvalidSession     = "Invalid session."
	msgChatExists         = "Chat already exists."
	msgChatNotFound       = "Chat not found."
	msgNotChatMember      = "Not a member of this chat."
	msgUserNotFound       = "User not found."
	msgMessageNotFound    = "Message not found."
	msgNotMessageSender   = "Only the sender can delete this message for everyone."
	msgCannotEdit         = "Only the sender can edit this message."
	msgMessageDeleted     = "Message is already deleted."
)

// connIdentity is the per-connection view the dispatcher acts on behalf of.
// Zero value means the connection has not authenticated yet.
type connIdentity struct {
	UserID   int64
	Username string
	Authed   bool
}

// broadcastJob fans a push out to chat members after the direct response.
type broadcastJob struct {
	resp    protocol.Response
	targets []int64
	exclude int64
}

// dispatchResult carries the direct response plus the handler's side
// effects: an identity to bind on first successful authentication, and an
// optional broadcast.
type dispatchResult struct {
	resp  protocol.Response
	auth  *store.User
	bcast *broadcastJob
}

type handlerFunc func(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult

// Dispatcher maps each command to its handler, operating against the
// persistence interface and the registry.
type Dispatcher struct {
	store    store.Store
	registry *Registry
	timeout  time.Duration
	handlers map[protocol.CommandType]handlerFunc
}

// NewDispatcher builds the handler table. timeout bounds every persistence
// call issued on behalf of a request.
func NewDispatcher(st store.Store, reg *Registry, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{store: st, registry: reg, timeout: timeout}
	d.handlers = map[protocol.CommandType]handlerFunc{
		protocol.CommandLogin:        d.handleLogin,
		protocol.CommandRegister:     d.handleRegister,
		protocol.CommandReconnect:    d.handleReconnect,
		protocol.CommandCreateChat:   d.handleCreateChat,
		protocol.CommandSendMessage:  d.handleSendMessage,
		protocol.CommandDeleteForMe:  d.handleDeleteForMe,
		protocol.CommandDeleteForAll: d.handleDeleteForAll,
		protocol.CommandEditMessage:  d.handleEditMessage,
		protocol.CommandSearchUser:   d.handleSearchUser,
		protocol.CommandGetChats:     d.handleGetChats,
		protocol.CommandGetHistory:   d.handleGetHistory,
	}
	return d
}

// Dispatch routes one decoded request. Commands other than Login, Register
// and Reconnect require a bound identity.
func (d *Dispatcher) Dispatch(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	h, ok := d.handlers[req.Type]
	if !ok {
		return genericError(req)
	}
	if !ident.Authed && requiresAuth(req.Type) {
		return businessError(req, msgNotAuthenticated)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return h(ctx, ident, req)
}

func requiresAuth(ct protocol.CommandType) bool {
	switch ct {
	case protocol.CommandLogin, protocol.CommandRegister, protocol.CommandReconnect:
		return false
	}
	return true
}

func (d *Dispatcher) handleLogin(ctx context.Context, _ connIdentity, req protocol.Request) dispatchResult {
	var p protocol.LoginPayload
	if !decodePayload(req, &p) {
		return genericError(req)
	}

	u, err := d.store.AuthenticateUser(ctx, p.Username, p.Password)
	if errors.Is(err, store.ErrInvalidCredentials) {
		return businessError(req, msgInvalidCredentials)
	}
	if err != nil {
		return d.unexpected(req, err)
	}
	return d.authSuccess(req, u)
}

func (d *Dispatcher) handleRegister(ctx context.Context, _ connIdentity, req protocol.Request) dispatchResult {
	var p protocol.RegisterPayload
	if !decodePayload(req, &p) || p.Username == "" || p.Password == "" {
		return genericError(req)
	}

	u, err := d.store.RegisterUser(ctx, p.Username, p.Password)
	if errors.Is(err, store.ErrUsernameTaken) {
		return businessError(req, msgUsernameTaken)
	}
	if err != nil {
		return d.unexpected(req, err)
	}
	return d.authSuccess(req, u)
}

func (d *Dispatcher) handleReconnect(ctx context.Context, _ connIdentity, req protocol.Request) dispatchResult {
	var p protocol.ReconnectPayload
	if !decodePayload(req, &p) {
		return genericError(req)
	}

	u, err := d.store.LookupUser(ctx, p.UserID)
	if errors.Is(err, store.ErrUserNotFound) || (err == nil && u.Username != p.Username) {
		return businessError(req, msgInvalidSession)
	}
	if err != nil {
		return d.unexpected(req, err)
	}
	return d.authSuccess(req, u)
}

func (d *Dispatcher) handleCreateChat(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.CreateChatPayload
	if !decodePayload(req, &p) || len(p.Members) == 0 {
		return genericError(req)
	}

	// idempotent-create: a second private chat between the same pair is
	// rejected with the existing chat id
	if !p.IsGroup && len(p.Members) == 2 {
		id, err := d.store.FindPrivateChat(ctx, p.Members[0], p.Members[1])
		if err == nil {
			return dispatchResult{resp: protocol.NewError(req.ID, req.Type,
				&protocol.ErrorPayload{Message: msgChatExists, ChatID: id})}
		}
		if !errors.Is(err, store.ErrChatNotFound) {
			return d.unexpected(req, err)
		}
	}

	chat, members, err := d.store.CreateChat(ctx, p.Name, p.IsGroup, p.Members)
	if errors.Is(err, store.ErrUserNotFound) {
		return businessError(req, msgUserNotFound)
	}
	if err != nil {
		return d.unexpected(req, err)
	}

	info := protocol.ChatInfo{ChatID: chat.ID, Name: chat.Name, IsGroup: chat.IsGroup}
	targets := make([]int64, 0, len(members))
	for _, m := range members {
		info.Members = append(info.Members, protocol.MemberInfo{
			UserID:   m.UserID,
			Username: m.Username,
			Online:   d.registry.Online(m.UserID),
		})
		targets = append(targets, m.UserID)
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, info)
	if err != nil {
		return d.unexpected(req, err)
	}
	// every member except the creator gets the push, whatever the chat size
	return dispatchResult{
		resp:  resp,
		bcast: &broadcastJob{resp: asPush(resp), targets: targets, exclude: ident.UserID},
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.SendMessagePayload
	if !decodePayload(req, &p) || p.ChatID == 0 {
		return genericError(req)
	}

	msg, err := d.store.SaveMessage(ctx, p.ChatID, ident.UserID, p.Content)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return businessError(req, msgChatNotFound)
	case errors.Is(err, store.ErrNotChatMember):
		return businessError(req, msgNotChatMember)
	case err != nil:
		return d.unexpected(req, err)
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, messageInfo(msg))
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{
		resp:  resp,
		bcast: d.chatBroadcast(ctx, req, resp, msg.ChatID, ident.UserID),
	}
}

func (d *Dispatcher) handleDeleteForMe(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.DeleteForMePayload
	if !decodePayload(req, &p) || p.MessageID == 0 {
		return genericError(req)
	}

	err := d.store.DeleteMessageForUser(ctx, p.MessageID, ident.UserID)
	if errors.Is(err, store.ErrMessageNotFound) {
		return businessError(req, msgMessageNotFound)
	}
	if err != nil {
		return d.unexpected(req, err)
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, protocol.DeletedForMePayload{MessageID: p.MessageID})
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp}
}

func (d *Dispatcher) handleDeleteForAll(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.DeleteForAllPayload
	if !decodePayload(req, &p) || p.MessageID == 0 {
		return genericError(req)
	}

	info, err := d.store.DeleteMessageForAll(ctx, p.MessageID, ident.UserID)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		return businessError(req, msgMessageNotFound)
	case errors.Is(err, store.ErrNotMessageSender):
		return businessError(req, msgNotMessageSender)
	case errors.Is(err, store.ErrMessageDeleted):
		return businessError(req, msgMessageDeleted)
	case err != nil:
		return d.unexpected(req, err)
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type,
		protocol.DeletedPayload{MessageID: info.MessageID, ChatID: info.ChatID})
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{
		resp:  resp,
		bcast: d.chatBroadcast(ctx, req, resp, info.ChatID, ident.UserID),
	}
}

func (d *Dispatcher) handleEditMessage(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.EditMessagePayload
	if !decodePayload(req, &p) || p.MessageID == 0 {
		return genericError(req)
	}

	info, err := d.store.EditMessage(ctx, ident.UserID, p.MessageID, p.Content)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		return businessError(req, msgMessageNotFound)
	case errors.Is(err, store.ErrNotMessageSender):
		return businessError(req, msgCannotEdit)
	case errors.Is(err, store.ErrMessageDeleted):
		return businessError(req, msgMessageDeleted)
	case err != nil:
		return d.unexpected(req, err)
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, protocol.EditedPayload{
		MessageID: info.MessageID,
		ChatID:    info.ChatID,
		Content:   info.Content,
		EditedAt:  info.EditedAt,
	})
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp}
}

func (d *Dispatcher) handleSearchUser(ctx context.Context, _ connIdentity, req protocol.Request) dispatchResult {
	var p protocol.SearchUserPayload
	if !decodePayload(req, &p) || p.Query == "" {
		return genericError(req)
	}

	users, err := d.store.SearchUsers(ctx, p.Query)
	if err != nil {
		return d.unexpected(req, err)
	}

	result := protocol.SearchResultPayload{Users: make([]protocol.MemberInfo, 0, len(users))}
	for _, u := range users {
		result.Users = append(result.Users, protocol.MemberInfo{
			UserID:   u.ID,
			Username: u.Username,
			Online:   d.registry.Online(u.ID),
		})
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, result)
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp}
}

func (d *Dispatcher) handleGetChats(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	chats, err := d.store.UserChats(ctx, ident.UserID)
	if err != nil {
		return d.unexpected(req, err)
	}

	list := protocol.ChatListPayload{Chats: make([]protocol.ChatSummaryInfo, 0, len(chats))}
	for _, c := range chats {
		list.Chats = append(list.Chats, protocol.ChatSummaryInfo{
			ChatID:      c.ChatID,
			Name:        c.Name,
			IsGroup:     c.IsGroup,
			LastMessage: c.LastMessage,
			LastSentAt:  c.LastSentAt,
		})
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, list)
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp}
}

func (d *Dispatcher) handleGetHistory(ctx context.Context, ident connIdentity, req protocol.Request) dispatchResult {
	var p protocol.GetHistoryPayload
	if !decodePayload(req, &p) || p.ChatID == 0 {
		return genericError(req)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := d.store.History(ctx, p.ChatID, ident.UserID, p.BeforeMessageID, limit)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return businessError(req, msgChatNotFound)
	case errors.Is(err, store.ErrNotChatMember):
		return businessError(req, msgNotChatMember)
	case err != nil:
		return d.unexpected(req, err)
	}

	history := protocol.HistoryPayload{Messages: make([]protocol.MessageInfo, 0, len(messages))}
	for _, m := range messages {
		history.Messages = append(history.Messages, messageInfo(m))
	}

	resp, err := protocol.NewSuccess(req.ID, req.Type, history)
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp}
}

// chatBroadcast resolves the recipient set from chat membership. Failure to
// resolve must not affect the response already built for the requester.
func (d *Dispatcher) chatBroadcast(ctx context.Context, req protocol.Request, resp protocol.Response, chatID, exclude int64) *broadcastJob {
	targets, err := d.store.ChatMemberIDs(ctx, chatID)
	if err != nil {
		log.Printf("resolve members of chat %d for %s broadcast: %v", chatID, req.Type, err)
		return nil
	}
	return &broadcastJob{resp: asPush(resp), targets: targets, exclude: exclude}
}

func (d *Dispatcher) authSuccess(req protocol.Request, u store.User) dispatchResult {
	resp, err := protocol.NewSuccess(req.ID, req.Type, protocol.AuthPayload{UserID: u.ID, Username: u.Username})
	if err != nil {
		return d.unexpected(req, err)
	}
	return dispatchResult{resp: resp, auth: &u}
}

func (d *Dispatcher) unexpected(req protocol.Request, err error) dispatchResult {
	log.Printf("%s handler: %v", req.Type, err)
	return genericError(req)
}

// asPush strips the correlation id so recipients see an unsolicited push.
func asPush(resp protocol.Response) protocol.Response {
	resp.ID = 0
	return resp
}

func messageInfo(m store.Message) protocol.MessageInfo {
	return protocol.MessageInfo{
		MessageID:  m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		SentAt:     m.SentAt,
	}
}

// decodePayload decodes the raw payload exactly once, at the dispatch
// boundary. An absent or ill-typed payload fails validation.
func decodePayload(req protocol.Request, dst any) bool {
	if len(req.Payload) == 0 {
		return false
	}
	return json.Unmarshal(req.Payload, dst) == nil
}

func genericError(req protocol.Request) dispatchResult {
	return dispatchResult{resp: protocol.NewError(req.ID, req.Type, nil)}
}

func businessError(req protocol.Request, msg string) dispatchResult {
	return dispatchResult{resp: protocol.NewError(req.ID, req.Type, &protocol.ErrorPayload{Message: msg})}
}
