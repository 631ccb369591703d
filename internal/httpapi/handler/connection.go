package handler

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// ConnectionStatus reports the state of the event channel.
type ConnectionStatus interface {
	IsConnected() bool
	SessionID() string
	SocketID() string
}

// RoomLister lists the jobs with live room memberships.
type RoomLister interface {
	Active() []string
}

// EventCounter counts inbound events by name.
type EventCounter interface {
	Seen() map[string]int
}

// ConnectionHandler exposes channel diagnostics.
type ConnectionHandler struct {
	conn   ConnectionStatus
	rooms  RoomLister
	events EventCounter
}

func NewConnectionHandler(conn ConnectionStatus, rooms RoomLister, events EventCounter) *ConnectionHandler {
	return &ConnectionHandler{conn: conn, rooms: rooms, events: events}
}

// ConnectionResponse is the body of GET /api/v1/connection.
type ConnectionResponse struct {
	Connected bool           `json:"isConnected"`
	SessionID string         `json:"sessionId"`
	SocketID  string         `json:"socketId,omitempty"`
	Rooms     []string       `json:"rooms"`
	Events    map[string]int `json:"events"`
}

// Status handles GET /api/v1/connection.
func (h *ConnectionHandler) Status(c *gin.Context) {
	resp := ConnectionResponse{Rooms: []string{}, Events: map[string]int{}}
	if h.conn != nil {
		resp.Connected = h.conn.IsConnected()
		resp.SessionID = h.conn.SessionID()
		resp.SocketID = h.conn.SocketID()
	}
	if h.rooms != nil {
		resp.Rooms = append(resp.Rooms, h.rooms.Active()...)
		sort.Strings(resp.Rooms)
	}
	if h.events != nil {
		for k, v := range h.events.Seen() {
			resp.Events[k] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}
