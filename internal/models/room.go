package models

import "time"

// RoomInfo is the admin view of a live room
type RoomInfo struct {
	ID       string       `json:"id"`
	Capacity int          `json:"capacity"`
	Members  []MemberInfo `json:"members"`
}

// MemberInfo describes one occupant of a room
type MemberInfo struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// SessionRecord is the presence entry mirrored to Redis
type SessionRecord struct {
	ID          string    `msgpack:"id"`
	Email       string    `msgpack:"email"`
	RoomID      string    `msgpack:"room"`
	ConnectedAt time.Time `msgpack:"connected_at"`
}
