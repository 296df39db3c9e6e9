package signaling

import (
	"context"
	"errors"
	"strings"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/relay"
	"github.com/mossy-p/p2p-call-signaling/internal/rooms"
	"github.com/mossy-p/p2p-call-signaling/internal/session"
	"github.com/rs/zerolog"
)

// Presence mirrors membership changes somewhere outside the process.
// Failures are logged and never affect signaling.
type Presence interface {
	Joined(ctx context.Context, rec models.SessionRecord) error
	Left(ctx context.Context, sessionID, roomID string) error
}

// Service ties the session registry, room directory and relay together.
// Each session's frames are handled sequentially by its read loop.
type Service struct {
	sessions *session.Registry
	rooms    *rooms.Directory
	relay    *relay.Relay
	presence Presence
	log      zerolog.Logger
}

// NewService builds a Service. presence may be nil.
func NewService(presence Presence, logger zerolog.Logger) *Service {
	sessions := session.NewRegistry()
	directory := rooms.NewDirectory()
	return &Service{
		sessions: sessions,
		rooms:    directory,
		relay:    relay.New(sessions, directory, logger),
		presence: presence,
		log:      logger,
	}
}

// Connect registers a new transport connection and returns its identity.
func (s *Service) Connect(conn session.Conn) string {
	id := s.sessions.Register(conn)
	s.log.Info().Str("session_id", id).Msg("Session connected")
	return id
}

// Handle processes one frame received from sessionID.
func (s *Service) Handle(ctx context.Context, sessionID string, env models.Envelope) {
	l := s.log.With().Str("session_id", sessionID).Str("event", string(env.Event)).Logger()

	switch env.Event {
	case models.EventRoomJoin:
		var req models.JoinRequest
		if err := env.Decode(&req); err != nil {
			s.reject(sessionID, models.ErrorCodeBadRequest, "invalid join request")
			return
		}
		if err := s.Join(ctx, sessionID, req); err != nil {
			l.Warn().Err(err).Str("room_id", req.Room).Msg("Join rejected")
		}

	case models.EventCallUser, models.EventCallAccepted, models.EventNegoNeeded, models.EventNegoDone:
		sess, ok := s.sessions.Get(sessionID)
		if !ok {
			return
		}
		if sess.RoomID == "" {
			l.Warn().Msg("Signal from session outside any room dropped")
			return
		}
		if err := s.relay.Forward(sessionID, sess.RoomID, env); err != nil {
			// Fire and forget: the sender is never told
			l.Warn().Err(err).Str("room_id", sess.RoomID).Msg("Signal dropped")
		}

	default:
		l.Warn().Msg("Unknown event")
	}
}

// Join places sessionID in the requested room and sends the notifications
// that follow from it.
func (s *Service) Join(ctx context.Context, sessionID string, req models.JoinRequest) error {
	room := strings.TrimSpace(req.Room)
	if room == "" {
		s.reject(sessionID, models.ErrorCodeBadRequest, "room is required")
		return errors.New("empty room")
	}

	if err := s.sessions.CheckJoin(sessionID, room); err != nil {
		if errors.Is(err, session.ErrAlreadyJoined) {
			s.reject(sessionID, models.ErrorCodeAlreadyJoined, "already joined another room")
		}
		return err
	}

	_, peer, err := s.rooms.Add(room, sessionID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomFull) {
			s.reject(sessionID, models.ErrorCodeRoomFull, "room is full")
		}
		return err
	}
	if err := s.sessions.Join(sessionID, room, req.Email); err != nil {
		s.rooms.Remove(room, sessionID)
		return err
	}

	s.notify(sessionID, models.EventRoomJoined, models.JoinAck{ID: sessionID, Email: req.Email, Room: room})
	if peer != "" {
		s.notify(peer, models.EventUserJoined, models.UserJoined{Email: req.Email, ID: sessionID})
	}

	sess, _ := s.sessions.Get(sessionID)
	s.mirrorJoin(ctx, sess)

	s.log.Info().
		Str("session_id", sessionID).
		Str("room_id", room).
		Int("members", len(s.rooms.Members(room))).
		Msg("Session joined room")
	return nil
}

// Disconnect tears down sessionID. The remaining room member, if any, is
// told its peer left; its negotiation state is its own business.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	sess, ok := s.sessions.Unregister(sessionID)
	if !ok {
		return
	}

	if sess.RoomID != "" {
		if remaining := s.rooms.Remove(sess.RoomID, sessionID); remaining != "" {
			s.notify(remaining, models.EventUserLeft, models.UserLeft{ID: sessionID, Room: sess.RoomID})
		}
		if s.presence != nil {
			if err := s.presence.Left(ctx, sessionID, sess.RoomID); err != nil {
				s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Presence cleanup failed")
			}
		}
	}

	s.log.Info().Str("session_id", sessionID).Str("room_id", sess.RoomID).Msg("Session disconnected")
}

// Rooms lists live rooms for the admin API.
func (s *Service) Rooms() []models.RoomInfo {
	all := s.rooms.Rooms()
	out := make([]models.RoomInfo, 0, len(all))
	for _, r := range all {
		out = append(out, s.roomInfo(r.ID, r.Members))
	}
	return out
}

// Room describes one live room.
func (s *Service) Room(roomID string) (models.RoomInfo, bool) {
	members := s.rooms.Members(roomID)
	if len(members) == 0 {
		return models.RoomInfo{}, false
	}
	return s.roomInfo(roomID, members), true
}

func (s *Service) roomInfo(roomID string, members []string) models.RoomInfo {
	info := models.RoomInfo{ID: roomID, Capacity: rooms.Capacity, Members: make([]models.MemberInfo, 0, len(members))}
	for _, id := range members {
		m := models.MemberInfo{ID: id}
		if sess, ok := s.sessions.Get(id); ok {
			m.Email = sess.Email
			m.ConnectedAt = sess.ConnectedAt
		}
		info.Members = append(info.Members, m)
	}
	return info
}

func (s *Service) mirrorJoin(ctx context.Context, sess session.Session) {
	if s.presence == nil {
		return
	}
	rec := models.SessionRecord{ID: sess.ID, Email: sess.Email, RoomID: sess.RoomID, ConnectedAt: sess.ConnectedAt}
	if err := s.presence.Joined(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Presence update failed")
	}
}

func (s *Service) notify(to string, event models.Event, data any) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(event)).Msg("Failed to marshal message")
		return
	}
	if err := s.relay.Notify(to, env); err != nil {
		s.log.Warn().Err(err).Str("event", string(event)).Str("session_id", to).Msg("Notification dropped")
	}
}

func (s *Service) reject(to, code, message string) {
	s.notify(to, models.EventError, models.ErrorNotice{Code: code, Message: message})
}
