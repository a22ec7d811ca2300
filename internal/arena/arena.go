// Package arena defines the core domain types of the real-time battle service:
// challenge offers, chat messages, rooms and presence. It has no external
// dependencies.
package arena

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDuplicatePendingOffer = errors.New("a pending offer already exists for this pair")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrNotAMember            = errors.New("not a member of this room")
	ErrUndeliverable         = errors.New("recipient has no live connection")
	ErrPersistence           = errors.New("persistence failure")
	ErrBusy                  = errors.New("user is in a battle")
	ErrInvalidArgument       = errors.New("invalid argument")
)

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferExpired
}

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Offer is a 1v1 challenge invitation.
type Offer struct {
	ID           string      `json:"id"`
	ChallengerID string      `json:"challengerId"`
	ChallengedID string      `json:"challengedId"`
	ProblemIDs   []string    `json:"problemIds"`
	TimeLimit    int         `json:"timeLimit"`
	Status       OfferStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	RespondsBy   time.Time   `json:"respondsBy"`
	RespondedAt  *time.Time  `json:"respondedAt,omitempty"`
}

// PairKey identifies the unordered pair of participants.
func (o Offer) PairKey() string {
	return PairKey(o.ChallengerID, o.ChallengedID)
}

// PairKey returns the same key for (a, b) and (b, a).
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// PersonalChatID is the deterministic chat id for a 1:1 conversation.
func PersonalChatID(a, b string) string {
	return PairKey(a, b)
}

type MessageType string

const (
	MessageText      MessageType = "text"
	MessageChallenge MessageType = "challenge"
	MessageSystem    MessageType = "system"
	MessageJoin      MessageType = "join"
	MessageLeave     MessageType = "leave"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageChallenge, MessageSystem, MessageJoin, MessageLeave:
		return true
	}
	return false
}

type ConversationKind string

const (
	ConversationPersonal ConversationKind = "personal"
	ConversationRoom     ConversationKind = "room"
)

// Message is one persisted chat message. Seq is dense per conversation
// and starts at 1.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"kind"`
	SenderID       string           `json:"senderId"`
	RecipientID    string           `json:"recipientId,omitempty"`
	Content        string           `json:"content"`
	Type           MessageType      `json:"type"`
	Seq            int64            `json:"seq"`
	SentAt         time.Time        `json:"sentAt"`
	Read           bool             `json:"read,omitempty"`
}

// PersonalChat is the aggregate of messages between two users.
type PersonalChat struct {
	ID           string         `json:"id"`
	Participants [2]string      `json:"participants"`
	LastMessage  *Message       `json:"lastMessage,omitempty"`
	Unread       map[string]int `json:"unread"`
}

// Other returns the participant that is not userID.
func (c PersonalChat) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

func (c PersonalChat) Has(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// NewPersonalChat orders participants the same way PersonalChatID does.
func NewPersonalChat(a, b string) PersonalChat {
	if a > b {
		a, b = b, a
	}
	return PersonalChat{
		ID:           PersonalChatID(a, b),
		Participants: [2]string{a, b},
		Unread:       map[string]int{a: 0, b: 0},
	}
}

type Room struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	OnlineCount int    `json:"onlineCount"`
}

type PresenceStatus string

const (
	PresenceOffline  PresenceStatus = "offline"
	PresenceOnline   PresenceStatus = "online"
	PresenceInBattle PresenceStatus = "in-battle"
)

// ValidUserID rejects ids that would make pair keys ambiguous.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, "_")
}
