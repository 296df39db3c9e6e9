package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrAlreadyJoined  = errors.New("session already joined a different room")
)

// Conn is the transport side of a session. Send must not block; it
// reports false when the frame could not be queued.
type Conn interface {
	Send(data []byte) bool
	Close() error
}

// Session is the bookkeeping kept for one live connection
type Session struct {
	ID          string
	Email       string
	RoomID      string
	ConnectedAt time.Time
}

type entry struct {
	Session
	conn Conn
}

// Registry maps server-assigned identities to connections and room data
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Register binds a fresh identity to conn.
func (r *Registry) Register(conn Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	for r.sessions[id] != nil {
		id = uuid.New().String()
	}
	r.sessions[id] = &entry{
		Session: Session{ID: id, ConnectedAt: r.now()},
		conn:    conn,
	}
	return id
}

// CheckJoin reports whether id may join roomID. Rejoining the room the
// session already sits in is allowed.
func (r *Registry) CheckJoin(id, roomID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if e.RoomID != "" && e.RoomID != roomID {
		return ErrAlreadyJoined
	}
	return nil
}

// Join records the room and email on the session.
func (r *Registry) Join(id, roomID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if e.RoomID != "" && e.RoomID != roomID {
		return ErrAlreadyJoined
	}
	e.RoomID = roomID
	e.Email = email
	return nil
}

// Unregister forgets the session and returns what was known about it so
// the caller can clean up the room it occupied.
func (r *Registry) Unregister(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return e.Session, true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Conn returns the live connection bound to id.
func (r *Registry) Conn(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
