package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
)

// RoomLister exposes live rooms to operators
type RoomLister interface {
	Rooms() []models.RoomInfo
	Room(roomID string) (models.RoomInfo, bool)
}

// ListRooms returns every live room (requires authentication)
func ListRooms(svc RoomLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": svc.Rooms()})
	}
}

// GetRoom returns one live room by its identifier (requires authentication)
func GetRoom(svc RoomLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, ok := svc.Room(c.Param("roomId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}
