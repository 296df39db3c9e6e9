package rooms

import (
	"errors"
	"sort"
	"sync"
)

// Capacity is the number of sessions a room holds
const Capacity = 2

var ErrRoomFull = errors.New("room is full")

// Role is what Add hands back to the joining session
type Role string

const RoleJoiner Role = "joiner"

// Room is a snapshot of one room's membership, in join order
type Room struct {
	ID      string
	Members []string
}

// Directory maps room identifiers to the sessions occupying them.
// Add and Remove are atomic with respect to each other.
type Directory struct {
	mu    sync.Mutex
	rooms map[string][]string
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string][]string)}
}

// Add appends sessionID to roomID. When the room now holds two members,
// peer is the first member, which is the only one to be told about the
// joiner. Adding a session that is already a member is a no-op that
// reports the peer again only when the session is the second member.
func (d *Directory) Add(roomID, sessionID string) (role Role, peer string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.rooms[roomID]
	for i, m := range members {
		if m == sessionID {
			if i == Capacity-1 {
				peer = members[0]
			}
			return RoleJoiner, peer, nil
		}
	}
	if len(members) >= Capacity {
		return "", "", ErrRoomFull
	}

	members = append(members, sessionID)
	d.rooms[roomID] = members
	if len(members) == Capacity {
		peer = members[0]
	}
	return RoleJoiner, peer, nil
}

// Remove drops sessionID from roomID and returns the member left behind,
// if any. Empty rooms are deleted.
func (d *Directory) Remove(roomID, sessionID string) (remaining string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.rooms[roomID]
	if !ok {
		return ""
	}
	kept := members[:0]
	for _, m := range members {
		if m != sessionID {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(d.rooms, roomID)
		return ""
	}
	d.rooms[roomID] = kept
	return kept[0]
}

// Peer returns the other member of roomID given one of its members.
func (d *Directory) Peer(roomID, sessionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.rooms[roomID]
	if !contains(members, sessionID) {
		return "", false
	}
	peer := otherMember(members, sessionID)
	return peer, peer != ""
}

// Members returns a copy of roomID's members in join order.
func (d *Directory) Members(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.rooms[roomID]...)
}

// Rooms returns every live room sorted by identifier.
func (d *Directory) Rooms() []Room {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Room, 0, len(d.rooms))
	for id, members := range d.rooms {
		out = append(out, Room{ID: id, Members: append([]string(nil), members...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func otherMember(members []string, sessionID string) string {
	for _, m := range members {
		if m != sessionID {
			return m
		}
	}
	return ""
}

func contains(members []string, sessionID string) bool {
	for _, m := range members {
		if m == sessionID {
			return true
		}
	}
	return false
}
