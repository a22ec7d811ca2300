// Package chat routes personal (1:1) and community room messages: it
// persists them in conversation order, tracks unread counts and fans them
// out to live connections.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/registry"
	"github.com/coderspae/arena/internal/wire"
)

const (
	DefaultHistoryLimit = 50
	MaxContentLength    = 2000
)

// DefaultRooms are the community rooms of the platform's battle modes.
var DefaultRooms = []arena.Room{
	{Name: "quick-dual", Description: "Fast 1v1 duels"},
	{Name: "minimalist-mind", Description: "Shortest solution wins"},
	{Name: "mirror-arena", Description: "Both players solve the same problem"},
	{Name: "narrative-mode", Description: "Story-driven challenges"},
	{Name: "code-arena", Description: "Open arena for every mode"},
	{Name: "ai-battle", Description: "Play against the AI opponent"},
}

type Store interface {
	EnsurePersonalChat(ctx context.Context, c arena.PersonalChat) error
	PersonalChat(ctx context.Context, chatID string) (arena.PersonalChat, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int, error)
	AppendMessage(ctx context.Context, m arena.Message, unreadFor string) (arena.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]arena.Message, error)

	EnsureRoom(ctx context.Context, r arena.Room) error
	Rooms(ctx context.Context) ([]arena.Room, error)
	Room(ctx context.Context, name string) (arena.Room, error)
	AddRoomMember(ctx context.Context, room, userID string, at time.Time) error
	RemoveRoomMember(ctx context.Context, room, userID string) error
	ClearRoomMembers(ctx context.Context) error
}

// Notifier fans frames out to live connections.
type Notifier interface {
	Send(userID string, frame []byte, except ...registry.Conn) int
	ConnectedSince(conn registry.Conn) (time.Time, bool)
}

// MessageFrame is the payload of a "message" push frame.
type MessageFrame struct {
	Message arena.Message `json:"message"`
}

// PersonalContext is what a user sees when opening a personal chat.
type PersonalContext struct {
	Chat    arena.PersonalChat `json:"chat"`
	History []arena.Message    `json:"history"`
	// Unread is the count before this join reset it.
	Unread int `json:"unread"`
}

type RoomContext struct {
	Room    arena.Room      `json:"room"`
	Members []string        `json:"members"`
	History []arena.Message `json:"history"`
}

type room struct {
	arena.Room
	members map[string]struct{}
}

// viewer is one connection with personal chats open.
type viewer struct {
	conn  registry.Conn
	chats map[string]struct{}
}

type Router struct {
	store  Store
	notify Notifier
	pub    events.Publisher
	logger *slog.Logger

	historyLimit int
	now          func() time.Time
	newID        func() string

	convs *keyedMutex

	mu        sync.RWMutex
	rooms     map[string]*room
	userRooms map[string]map[string]struct{}
	// viewing is userID -> connection id -> open chats.
	viewing map[string]map[string]*viewer
}

type Option func(*Router)

func WithHistoryLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func NewRouter(logger *slog.Logger, store Store, notify Notifier, pub events.Publisher, opts ...Option) *Router {
	r := &Router{
		store:        store,
		notify:       notify,
		pub:          pub,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		convs:        newKeyedMutex(),
		rooms:        make(map[string]*room),
		userRooms:    make(map[string]map[string]struct{}),
		viewing:      make(map[string]map[string]*viewer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SeedRooms creates the given rooms, forgets membership left behind by a
// previous process and loads every known room.
func (r *Router) SeedRooms(ctx context.Context, seed []arena.Room) error {
	for _, rm := range seed {
		if err := r.store.EnsureRoom(ctx, rm); err != nil {
			return fmt.Errorf("seeding room %s: %w", rm.Name, err)
		}
	}
	if err := r.store.ClearRoomMembers(ctx); err != nil {
		return fmt.Errorf("clearing room members: %w", err)
	}
	rooms, err := r.store.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("loading rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range rooms {
		if _, ok := r.rooms[rm.Name]; ok {
			continue
		}
		rm.OnlineCount = 0
		r.rooms[rm.Name] = &room{Room: rm, members: make(map[string]struct{})}
	}
	r.logger.Info("rooms ready", "count", len(r.rooms))
	return nil
}

func personalKey(chatID string) string { return "personal:" + chatID }
func roomKey(name string) string       { return "room:" + name }

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", arena.ErrPersistence, op, err)
}

func validateContent(content string, typ arena.MessageType) (arena.MessageType, error) {
	if typ == "" {
		typ = arena.MessageText
	}
	if typ != arena.MessageText && typ != arena.MessageChallenge {
		return "", fmt.Errorf("%w: message type %q cannot be sent by users", arena.ErrInvalidArgument, typ)
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty message", arena.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: message longer than %d characters", arena.ErrInvalidArgument, MaxContentLength)
	}
	return typ, nil
}

// --- Personal chats ---

// JoinPersonal opens the chat between userID and otherUserID, creating it
// on first use. Every message addressed to userID becomes read. When conn
// is set, that connection counts as viewing the chat until LeavePersonal
// or until it closes.
func (r *Router) JoinPersonal(ctx context.Context, userID, otherUserID string, conn registry.Conn) (PersonalContext, error) {
	if !arena.ValidUserID(userID) || !arena.ValidUserID(otherUserID) || userID == otherUserID {
		return PersonalContext{}, fmt.Errorf("%w: need two distinct user ids", arena.ErrInvalidArgument)
	}
	chat := arena.NewPersonalChat(userID, otherUserID)

	unlock := r.convs.Lock(personalKey(chat.ID))
	defer unlock()

	if err := r.store.EnsurePersonalChat(ctx, chat); err != nil {
		return PersonalContext{}, persistence("creating chat", err)
	}
	loaded, err := r.store.PersonalChat(ctx, chat.ID)
	if err != nil {
		return PersonalContext{}, persistence("loading chat", err)
	}
	unread := loaded.Unread[userID]

	if unread > 0 {
		if _, err := r.store.MarkRead(ctx, chat.ID, userID, r.now()); err != nil {
			return PersonalContext{}, persistence("marking read", err)
		}
		loaded.Unread[userID] = 0
	}
	history, err := r.store.RecentMessages(ctx, chat.ID, r.historyLimit)
	if err != nil {
		return PersonalContext{}, persistence("loading history", err)
	}

	if conn != nil {
		r.mu.Lock()
		conns, ok := r.viewing[userID]
		if !ok {
			conns = make(map[string]*viewer)
			r.viewing[userID] = conns
		}
		v, ok := conns[conn.ID()]
		if !ok {
			v = &viewer{conn: conn, chats: make(map[string]struct{})}
			conns[conn.ID()] = v
		}
		v.chats[chat.ID] = struct{}{}
		r.mu.Unlock()
	}

	return PersonalContext{Chat: loaded, History: history, Unread: unread}, nil
}

// LeavePersonal stops counting conn as viewing the chat.
func (r *Router) LeavePersonal(userID string, conn registry.Conn, chatID string) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.viewing[userID]
	if v, ok := conns[conn.ID()]; ok {
		delete(v.chats, chatID)
		if len(v.chats) == 0 {
			delete(conns, conn.ID())
		}
	}
	if len(conns) == 0 {
		delete(r.viewing, userID)
	}
}

// isViewing reports whether a still registered connection of userID has
// the chat open.
func (r *Router) isViewing(userID, chatID string) bool {
	r.mu.RLock()
	var conns []registry.Conn
	for _, v := range r.viewing[userID] {
		if _, ok := v.chats[chatID]; ok {
			conns = append(conns, v.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if _, ok := r.notify.ConnectedSince(c); ok {
			return true
		}
	}
	return false
}

// Viewers lists users who currently have a personal chat with userID open.
func (r *Router) Viewers(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for user, conns := range r.viewing {
		if viewsChatWith(conns, user, userID) {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

func viewsChatWith(conns map[string]*viewer, self, other string) bool {
	id := arena.PersonalChatID(self, other)
	for _, v := range conns {
		if _, ok := v.chats[id]; ok {
			return true
		}
	}
	return false
}

func (r *Router) participantChat(ctx context.Context, chatID, userID string) (arena.PersonalChat, error) {
	chat, err := r.store.PersonalChat(ctx, chatID)
	if errors.Is(err, arena.ErrNotFound) {
		return chat, err
	}
	if err != nil {
		return chat, persistence("loading chat", err)
	}
	if !chat.Has(userID) {
		return chat, arena.ErrForbidden
	}
	return chat, nil
}

// MarkRead resets userID's unread count in the chat and returns how many
// messages became read.
func (r *Router) MarkRead(ctx context.Context, chatID, userID string) (int, error) {
	if _, err := r.participantChat(ctx, chatID, userID); err != nil {
		return 0, err
	}
	unlock := r.convs.Lock(personalKey(chatID))
	defer unlock()

	n, err := r.store.MarkRead(ctx, chatID, userID, r.now())
	if err != nil {
		return 0, persistence("marking read", err)
	}
	return n, nil
}

// SendPersonal persists a message and delivers it to the recipient and to
// the sender's other connections. except lists connections that already
// know about the message, usually the one that sent it.
func (r *Router) SendPersonal(ctx context.Context, chatID, senderID, content string, typ arena.MessageType, except ...registry.Conn) (arena.Message, error) {
	typ, err := validateContent(content, typ)
	if err != nil {
		return arena.Message{}, err
	}
	chat, err := r.participantChat(ctx, chatID, senderID)
	if err != nil {
		return arena.Message{}, err
	}
	recipient := chat.Other(senderID)

	unlock := r.convs.Lock(personalKey(chatID))
	defer unlock()

	seen := r.isViewing(recipient, chatID)
	unreadFor := recipient
	if seen {
		unreadFor = ""
	}
	m := arena.Message{
		ID:             r.newID(),
		ConversationID: chatID,
		Kind:           arena.ConversationPersonal,
		SenderID:       senderID,
		RecipientID:    recipient,
		Content:        content,
		Type:           typ,
		SentAt:         r.now(),
		Read:           seen,
	}
	m, err = r.store.AppendMessage(ctx, m, unreadFor)
	if err != nil {
		r.logger.Error("persisting personal message", "chat_id", chatID, "sender_id", senderID, "error", err)
		return arena.Message{}, persistence("appending message", err)
	}

	frame := wire.Push(wire.TypeMessage, MessageFrame{Message: m})
	delivered := r.notify.Send(recipient, frame)
	r.notify.Send(senderID, frame, except...)
	if delivered > 0 {
		r.publish(events.MessageDelivered, m.ID, events.DeliveryPayload{
			Message:     m,
			Recipients:  []string{recipient},
			Connections: delivered,
		})
	}
	return m, nil
}

// --- Rooms ---

// Rooms lists every room with its online member count.
func (r *Router) Rooms(ctx context.Context) ([]arena.Room, error) {
	rooms, err := r.store.Rooms(ctx)
	if err != nil {
		return nil, persistence("listing rooms", err)
	}
	return rooms, nil
}

// Room returns the room's description, online members and recent
// history without joining it.
func (r *Router) Room(ctx context.Context, name string) (RoomContext, error) {
	if _, err := r.store.Room(ctx, name); err != nil {
		if errors.Is(err, arena.ErrNotFound) {
			return RoomContext{}, err
		}
		return RoomContext{}, persistence("loading room", err)
	}
	rm, ok := r.room(name)
	if !ok {
		return RoomContext{}, arena.ErrNotFound
	}
	return r.roomContext(ctx, rm)
}

func (r *Router) room(name string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// members returns a sorted snapshot of the room's online members.
func (r *Router) members(rm *room) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(rm.members))
	for u := range rm.members {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func (r *Router) isMember(rm *room, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := rm.members[userID]
	return ok
}

func (r *Router) roomContext(ctx context.Context, rm *room) (RoomContext, error) {
	history, err := r.store.RecentMessages(ctx, rm.Name, r.historyLimit)
	if err != nil {
		return RoomContext{}, persistence("loading history", err)
	}
	members := r.members(rm)
	info := rm.Room
	info.OnlineCount = len(members)
	return RoomContext{Room: info, Members: members, History: history}, nil
}

// addMember records userID in rm in memory and returns the online count.
func (r *Router) addMember(rm *room, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.members[userID] = struct{}{}
	rooms, ok := r.userRooms[userID]
	if !ok {
		rooms = make(map[string]struct{})
		r.userRooms[userID] = rooms
	}
	rooms[rm.Name] = struct{}{}
	return len(rm.members)
}

func (r *Router) removeMember(rm *room, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(rm.members, userID)
	if rooms, ok := r.userRooms[userID]; ok {
		delete(rooms, rm.Name)
		if len(rooms) == 0 {
			delete(r.userRooms, userID)
		}
	}
	return len(rm.members)
}

// JoinRoom adds userID to the room's online members. Joining a room the
// user is already in only returns the context. If the join message cannot
// be stored the membership is rolled back.
func (r *Router) JoinRoom(ctx context.Context, userID, name string) (RoomContext, error) {
	if !arena.ValidUserID(userID) {
		return RoomContext{}, fmt.Errorf("%w: user id is required", arena.ErrInvalidArgument)
	}
	rm, ok := r.room(name)
	if !ok {
		return RoomContext{}, arena.ErrNotFound
	}

	unlock := r.convs.Lock(roomKey(name))
	defer unlock()

	if r.isMember(rm, userID) {
		return r.roomContext(ctx, rm)
	}

	if err := r.store.AddRoomMember(ctx, name, userID, r.now()); err != nil {
		return RoomContext{}, persistence("adding member", err)
	}
	count := r.addMember(rm, userID)

	if _, err := r.appendRoom(ctx, rm, userID, userID+" joined the room", arena.MessageJoin); err != nil {
		r.logger.Error("recording join message, rolling back", "room", name, "user_id", userID, "error", err)
		r.removeMember(rm, userID)
		if rerr := r.store.RemoveRoomMember(ctx, name, userID); rerr != nil {
			r.logger.Error("rolling back room member", "room", name, "user_id", userID, "error", rerr)
		}
		return RoomContext{}, err
	}
	r.publish(events.RoomMemberJoined, name, events.MembershipPayload{Room: name, UserID: userID, OnlineCount: count})
	r.logger.Info("room joined", "room", name, "user_id", userID, "online", count)

	return r.roomContext(ctx, rm)
}

// LeaveRoom removes userID from the room. Leaving a room one is not in is
// a no-op. If the leave message cannot be stored the user stays a member.
func (r *Router) LeaveRoom(ctx context.Context, userID, name string) error {
	return r.leaveRoom(ctx, userID, name, false)
}

// leaveRoom removes the member. force keeps the removal even when the
// leave message cannot be stored, for users who are gone anyway.
func (r *Router) leaveRoom(ctx context.Context, userID, name string, force bool) error {
	rm, ok := r.room(name)
	if !ok {
		return arena.ErrNotFound
	}

	unlock := r.convs.Lock(roomKey(name))
	defer unlock()

	if !r.isMember(rm, userID) {
		return nil
	}

	if err := r.store.RemoveRoomMember(ctx, name, userID); err != nil {
		if !force {
			return persistence("removing member", err)
		}
		r.logger.Error("removing room member of offline user", "room", name, "user_id", userID, "error", err)
	}
	count := r.removeMember(rm, userID)

	if _, err := r.appendRoom(ctx, rm, userID, userID+" left the room", arena.MessageLeave); err != nil {
		if !force {
			r.logger.Error("recording leave message, rolling back", "room", name, "user_id", userID, "error", err)
			r.addMember(rm, userID)
			if rerr := r.store.AddRoomMember(ctx, name, userID, r.now()); rerr != nil {
				r.logger.Error("rolling back room member", "room", name, "user_id", userID, "error", rerr)
			}
			return err
		}
		r.logger.Error("recording leave message of offline user", "room", name, "user_id", userID, "error", err)
	}
	r.publish(events.RoomMemberLeft, name, events.MembershipPayload{Room: name, UserID: userID, OnlineCount: count})
	r.logger.Info("room left", "room", name, "user_id", userID, "online", count)
	return nil
}

// SendRoom persists a message and delivers it to every online member.
func (r *Router) SendRoom(ctx context.Context, name, senderID, content string, typ arena.MessageType, except ...registry.Conn) (arena.Message, error) {
	typ, err := validateContent(content, typ)
	if err != nil {
		return arena.Message{}, err
	}
	rm, ok := r.room(name)
	if !ok {
		return arena.Message{}, arena.ErrNotFound
	}

	unlock := r.convs.Lock(roomKey(name))
	defer unlock()

	if !r.isMember(rm, senderID) {
		return arena.Message{}, arena.ErrNotAMember
	}
	m, err := r.appendRoom(ctx, rm, senderID, content, typ, except...)
	if err != nil {
		r.logger.Error("persisting room message", "room", name, "sender_id", senderID, "error", err)
		return arena.Message{}, err
	}
	return m, nil
}

// appendRoom persists and fans out one room message. The room's
// conversation lock must be held.
func (r *Router) appendRoom(ctx context.Context, rm *room, senderID, content string, typ arena.MessageType, except ...registry.Conn) (arena.Message, error) {
	m := arena.Message{
		ID:             r.newID(),
		ConversationID: rm.Name,
		Kind:           arena.ConversationRoom,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		SentAt:         r.now(),
	}
	m, err := r.store.AppendMessage(ctx, m, "")
	if err != nil {
		return arena.Message{}, persistence("appending message", err)
	}

	frame := wire.Push(wire.TypeMessage, MessageFrame{Message: m})
	members := r.members(rm)
	delivered := 0
	var recipients []string
	for _, u := range members {
		if u == senderID {
			r.notify.Send(u, frame, except...)
			continue
		}
		if n := r.notify.Send(u, frame); n > 0 {
			delivered += n
			recipients = append(recipients, u)
		}
	}
	if delivered > 0 {
		r.publish(events.MessageDelivered, m.ID, events.DeliveryPayload{
			Message:     m,
			Recipients:  recipients,
			Connections: delivered,
		})
	}
	return m, nil
}

func (r *Router) publish(kind events.Kind, entityID string, payload any) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(events.Event{Kind: kind, EntityID: entityID, At: r.now(), Payload: payload})
}

// --- Registry listener ---

func (r *Router) UserOnline(string) {}

// ConnectionClosed forgets the chats conn had open.
func (r *Router) ConnectionClosed(userID string, conn registry.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.viewing[userID]; ok {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.viewing, userID)
		}
	}
}

// UserOffline removes the user from every room and forgets which chats the
// user was viewing.
func (r *Router) UserOffline(userID string) {
	r.mu.Lock()
	delete(r.viewing, userID)
	var rooms []string
	for name := range r.userRooms[userID] {
		rooms = append(rooms, name)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range rooms {
		if err := r.leaveRoom(ctx, userID, name, true); err != nil {
			r.logger.Error("leaving room for offline user", "room", name, "user_id", userID, "error", err)
		}
	}
}
