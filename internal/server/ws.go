package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/coderspae/arena/internal/arena"
	"github.com/coderspae/arena/internal/auth"
	"github.com/coderspae/arena/internal/challenge"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/presence"
	"github.com/coderspae/arena/internal/wire"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// Websocket commands sent by clients.
const (
	cmdPing             = "ping"
	cmdChallengeSend    = "challenge.send"
	cmdChallengeRespond = "challenge.respond"
	cmdPersonalJoin     = "chat.personal.join"
	cmdPersonalLeave    = "chat.personal.leave"
	cmdPersonalSend     = "chat.personal.send"
	cmdPersonalRead     = "chat.personal.read"
	cmdRoomJoin         = "room.join"
	cmdRoomLeave        = "room.leave"
	cmdRoomSend         = "room.send"
)

// wsConn is the registry's handle for one websocket. Frames are queued and
// written by a single goroutine so a slow client never blocks a sender.
type wsConn struct {
	id     string
	userID string
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSConn(userID string, buffer int) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		queue:  make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues a frame. It returns false when the queue is full or the
// connection is closing.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the queue onto the socket until ctx ends or a write
// fails.
func (c *wsConn) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case frame := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func handleWS(logger *slog.Logger, deps Deps, sessions *sync.WaitGroup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		defer sessions.Done()

		userID, err := deps.Verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(wsReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := newWSConn(userID, deps.SendBuffer)
		defer c.close()
		log := logger.With("user_id", userID, "conn_id", c.id)

		go func() {
			if err := c.writeLoop(ctx, conn); err != nil && ctx.Err() == nil {
				log.Debug("websocket write failed", "error", err)
			}
			cancel()
		}()

		deps.Registry.Register(userID, c)
		defer deps.Registry.Unregister(c)
		log.Info("websocket connected")

		// Offers sent while this user had no connection.
		for _, o := range deps.Challenges.PendingFor(userID) {
			c.Send(wire.Push(wire.TypeOfferCreated, events.OfferPayload{Offer: o}))
		}

		s := &session{deps: deps, conn: c, userID: userID, logger: log}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				log.Info("websocket closed", "status", websocket.CloseStatus(err))
				return
			}
			s.handle(ctx, data)
		}
	}
}

// session dispatches the commands of one connection.
type session struct {
	deps   Deps
	conn   *wsConn
	userID string
	logger *slog.Logger
}

func (s *session) handle(ctx context.Context, data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		s.reply(wire.Frame{}, nil, fmt.Errorf("%w: malformed frame", arena.ErrInvalidArgument))
		return
	}
	result, err := s.dispatch(ctx, f)
	s.reply(f, result, err)
}

func (s *session) reply(req wire.Frame, result any, err error) {
	if err == nil {
		s.conn.Send(wire.Encode(wire.TypeAck, req.RequestID, result))
		return
	}
	code, _ := classify(err)
	if code == codeInternal || code == codePersistence {
		s.logger.Error("websocket command failed", "type", req.Type, "error", err)
	}
	s.conn.Send(wire.Encode(wire.TypeError, req.RequestID, wire.Error{Code: code, Message: publicMessage(err, code)}))
}

func decode[T any](f wire.Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, fmt.Errorf("%w: %s needs a payload", arena.ErrInvalidArgument, f.Type)
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", arena.ErrInvalidArgument, f.Type, err)
	}
	return v, nil
}

type respondPayload struct {
	OfferID  string         `json:"offerId"`
	Decision arena.Decision `json:"decision"`
}

type personalJoinPayload struct {
	UserID string `json:"userId"`
}

type chatPayload struct {
	ChatID  string            `json:"chatId"`
	Content string            `json:"content"`
	Type    arena.MessageType `json:"type"`
}

type roomPayload struct {
	Room    string            `json:"room"`
	Content string            `json:"content"`
	Type    arena.MessageType `json:"type"`
}

type readResult struct {
	ChatID string `json:"chatId"`
	Read   int    `json:"read"`
}

type messageResult struct {
	Message arena.Message `json:"message"`
}

func (s *session) dispatch(ctx context.Context, f wire.Frame) (any, error) {
	switch f.Type {
	case cmdPing:
		return nil, nil

	case cmdChallengeSend:
		p, err := decode[SendChallengeRequest](f)
		if err != nil {
			return nil, err
		}
		res, err := s.deps.Challenges.SendChallenge(ctx, challenge.SendRequest{
			ChallengerID: s.userID,
			ChallengedID: p.ChallengedID,
			ProblemIDs:   p.ProblemIDs,
			TimeLimit:    p.TimeLimit,
		})
		if err != nil {
			return nil, err
		}
		return sendResponse(res), nil

	case cmdChallengeRespond:
		p, err := decode[respondPayload](f)
		if err != nil {
			return nil, err
		}
		o, err := s.deps.Challenges.Respond(ctx, p.OfferID, s.userID, p.Decision)
		if err != nil {
			return nil, err
		}
		return OfferResponse{Offer: o}, nil

	case cmdPersonalJoin:
		p, err := decode[personalJoinPayload](f)
		if err != nil {
			return nil, err
		}
		return s.deps.Chat.JoinPersonal(ctx, s.userID, p.UserID, s.conn)

	case cmdPersonalLeave:
		p, err := decode[chatPayload](f)
		if err != nil {
			return nil, err
		}
		s.deps.Chat.LeavePersonal(s.userID, s.conn, p.ChatID)
		return nil, nil

	case cmdPersonalSend:
		p, err := decode[chatPayload](f)
		if err != nil {
			return nil, err
		}
		m, err := s.deps.Chat.SendPersonal(ctx, p.ChatID, s.userID, p.Content, p.Type, s.conn)
		if err != nil {
			return nil, err
		}
		return messageResult{Message: m}, nil

	case cmdPersonalRead:
		p, err := decode[chatPayload](f)
		if err != nil {
			return nil, err
		}
		n, err := s.deps.Chat.MarkRead(ctx, p.ChatID, s.userID)
		if err != nil {
			return nil, err
		}
		return readResult{ChatID: p.ChatID, Read: n}, nil

	case cmdRoomJoin:
		p, err := decode[roomPayload](f)
		if err != nil {
			return nil, err
		}
		return s.deps.Chat.JoinRoom(ctx, s.userID, p.Room)

	case cmdRoomLeave:
		p, err := decode[roomPayload](f)
		if err != nil {
			return nil, err
		}
		return nil, s.deps.Chat.LeaveRoom(ctx, s.userID, p.Room)

	case cmdRoomSend:
		p, err := decode[roomPayload](f)
		if err != nil {
			return nil, err
		}
		m, err := s.deps.Chat.SendRoom(ctx, p.Room, s.userID, p.Content, p.Type, s.conn)
		if err != nil {
			return nil, err
		}
		return messageResult{Message: m}, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", arena.ErrInvalidArgument, f.Type)
}

// ForwardPresence pushes presence changes to users who have a personal
// chat with the changed user open. It returns when ctx ends.
func (s *Server) ForwardPresence(ctx context.Context) error {
	changes, cancel := s.deps.Presence.Subscribe()
	defer cancel()
	return s.forwardPresence(ctx, changes)
}

func (s *Server) forwardPresence(ctx context.Context, changes <-chan presence.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return errors.New("presence subscription closed")
			}
			frame := wire.Push(wire.TypePresenceChanged, events.PresencePayload{
				UserID:   c.UserID,
				Previous: c.Previous,
				Status:   c.Status,
			})
			for _, viewer := range s.deps.Chat.Viewers(c.UserID) {
				s.deps.Registry.Send(viewer, frame)
			}
		}
	}
}
