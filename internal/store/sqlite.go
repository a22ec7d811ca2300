// Package store persists offers, chat messages and room membership in
// SQLite (libSQL).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coderspae/arena/internal/arena"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Check implements health.Checker.
func (s *SQLiteStore) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Offers ---

const offerColumns = `id, challenger_id, challenged_id, problem_ids, time_limit, status, created_at, responds_by, responded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (arena.Offer, error) {
	var (
		o           arena.Offer
		problems    string
		status      string
		createdAt   string
		respondsBy  string
		respondedAt sql.NullString
	)
	if err := row.Scan(&o.ID, &o.ChallengerID, &o.ChallengedID, &problems, &o.TimeLimit,
		&status, &createdAt, &respondsBy, &respondedAt); err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(problems), &o.ProblemIDs); err != nil {
		return o, fmt.Errorf("decoding problem ids: %w", err)
	}
	o.Status = arena.OfferStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.RespondsBy = parseTime(respondsBy)
	o.RespondedAt = parseNullTime(respondedAt)
	return o, nil
}

// CreateOffer inserts a pending offer. A second pending offer for the same
// pair fails with arena.ErrDuplicatePendingOffer.
func (s *SQLiteStore) CreateOffer(ctx context.Context, o arena.Offer) error {
	problems, err := json.Marshal(o.ProblemIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO challenge_offers (id, challenger_id, challenged_id, pair_key, problem_ids, time_limit, status, created_at, responds_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ChallengerID, o.ChallengedID, o.PairKey(), string(problems), o.TimeLimit,
		string(o.Status), formatTime(o.CreatedAt), formatTime(o.RespondsBy))
	if isUniqueViolation(err) {
		return arena.ErrDuplicatePendingOffer
	}
	return err
}

// TransitionOffer moves an offer from one status to another only if it is
// still in from. It returns arena.ErrNotFound when no row matched.
func (s *SQLiteStore) TransitionOffer(ctx context.Context, id string, from, to arena.OfferStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenge_offers SET status = ?, responded_at = ?
		WHERE id = ? AND status = ?
	`, string(to), formatTime(at), id, string(from))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return arena.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetOffer(ctx context.Context, id string) (arena.Offer, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM challenge_offers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return o, arena.ErrNotFound
	}
	return o, err
}

// PendingOffers lists every pending offer, oldest deadline first.
func (s *SQLiteStore) PendingOffers(ctx context.Context) ([]arena.Offer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM challenge_offers WHERE status = 'pending' ORDER BY responds_by`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []arena.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// --- Personal chats ---

// EnsurePersonalChat creates the chat and its unread counters if missing.
func (s *SQLiteStore) EnsurePersonalChat(ctx context.Context, c arena.PersonalChat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO personal_chats (id, user_a, user_b, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Participants[0], c.Participants[1], formatTime(time.Now())); err != nil {
		return err
	}
	for _, u := range c.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO personal_chat_unread (chat_id, user_id, unread)
			VALUES (?, ?, 0)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`, c.ID, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PersonalChat loads participants, unread counters and the last message.
func (s *SQLiteStore) PersonalChat(ctx context.Context, chatID string) (arena.PersonalChat, error) {
	var (
		c      arena.PersonalChat
		lastID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, last_message_id FROM personal_chats WHERE id = ?
	`, chatID).Scan(&c.ID, &c.Participants[0], &c.Participants[1], &lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, arena.ErrNotFound
	}
	if err != nil {
		return c, err
	}

	c.Unread = make(map[string]int, 2)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, unread FROM personal_chat_unread WHERE chat_id = ?
	`, chatID)
	if err != nil {
		return c, err
	}
	for rows.Next() {
		var (
			u string
			n int
		)
		if err := rows.Scan(&u, &n); err != nil {
			rows.Close()
			return c, err
		}
		c.Unread[u] = n
	}
	if err := rows.Close(); err != nil {
		return c, err
	}

	if lastID.Valid {
		m, err := scanMessage(s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, lastID.String))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		if err == nil {
			c.LastMessage = &m
		}
	}
	return c, nil
}

// MarkRead marks every message addressed to userID in the chat as read and
// resets the user's unread counter. It returns how many messages changed.
func (s *SQLiteStore) MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE chat_messages SET read_at = ?
		WHERE conversation_id = ? AND recipient_id = ? AND read_at IS NULL
	`, formatTime(at), chatID, userID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE personal_chat_unread SET unread = 0 WHERE chat_id = ? AND user_id = ?
	`, chatID, userID); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// --- Messages ---

const messageColumns = `id, conversation_id, kind, seq, sender_id, recipient_id, content, type, sent_at, read_at`

func scanMessage(row rowScanner) (arena.Message, error) {
	var (
		m         arena.Message
		kind      string
		typ       string
		recipient sql.NullString
		sentAt    string
		readAt    sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &kind, &m.Seq, &m.SenderID, &recipient,
		&m.Content, &typ, &sentAt, &readAt); err != nil {
		return m, err
	}
	m.Kind = arena.ConversationKind(kind)
	m.Type = arena.MessageType(typ)
	m.RecipientID = recipient.String
	m.SentAt = parseTime(sentAt)
	m.Read = readAt.Valid
	return m, nil
}

// AppendMessage assigns the next sequence number in the conversation and
// inserts the message. For personal messages it also updates the chat's
// last message and, when unreadFor is set, increments that user's unread
// counter in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m arena.Message, unreadFor string) (arena.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE conversation_id = ?
	`, m.ConversationID).Scan(&m.Seq); err != nil {
		return m, fmt.Errorf("next sequence: %w", err)
	}

	var recipient, readAt any
	if m.RecipientID != "" {
		recipient = m.RecipientID
	}
	if m.Read {
		readAt = formatTime(m.SentAt)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, kind, seq, sender_id, recipient_id, content, type, sent_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, string(m.Kind), m.Seq, m.SenderID, recipient,
		m.Content, string(m.Type), formatTime(m.SentAt), readAt); err != nil {
		return m, fmt.Errorf("inserting message: %w", err)
	}

	if m.Kind == arena.ConversationPersonal {
		if _, err := tx.ExecContext(ctx, `
			UPDATE personal_chats SET last_message_id = ? WHERE id = ?
		`, m.ID, m.ConversationID); err != nil {
			return m, fmt.Errorf("updating last message: %w", err)
		}
		if unreadFor != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE personal_chat_unread SET unread = unread + 1 WHERE chat_id = ? AND user_id = ?
			`, m.ConversationID, unreadFor); err != nil {
				return m, fmt.Errorf("incrementing unread: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]arena.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM chat_messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []arena.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Rooms ---

// EnsureRoom creates the room or refreshes its description.
func (s *SQLiteStore) EnsureRoom(ctx context.Context, r arena.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (name, description, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET description = excluded.description
	`, r.Name, r.Description, formatTime(time.Now()))
	return err
}

func (s *SQLiteStore) Rooms(ctx context.Context) ([]arena.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, r.description, COUNT(m.user_id)
		FROM rooms r
		LEFT JOIN room_members m ON m.room_name = r.name
		GROUP BY r.name, r.description
		ORDER BY r.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []arena.Room
	for rows.Next() {
		var r arena.Room
		if err := rows.Scan(&r.Name, &r.Description, &r.OnlineCount); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) Room(ctx context.Context, name string) (arena.Room, error) {
	var r arena.Room
	err := s.db.QueryRowContext(ctx, `
		SELECT r.name, r.description, (SELECT COUNT(*) FROM room_members m WHERE m.room_name = r.name)
		FROM rooms r WHERE r.name = ?
	`, name).Scan(&r.Name, &r.Description, &r.OnlineCount)
	if errors.Is(err, sql.ErrNoRows) {
		return r, arena.ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) AddRoomMember(ctx context.Context, room, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_name, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT (room_name, user_id) DO NOTHING
	`, room, userID, formatTime(at))
	return err
}

func (s *SQLiteStore) RemoveRoomMember(ctx context.Context, room, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_name = ? AND user_id = ?
	`, room, userID)
	return err
}

// ClearRoomMembers drops membership rows left by a previous process; online
// membership is rebuilt as users reconnect.
func (s *SQLiteStore) ClearRoomMembers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_members`)
	return err
}
