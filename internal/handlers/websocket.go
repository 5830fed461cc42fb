package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/session"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one UI consumer subscribed to a session's live frames.
type Client struct {
	ID        string
	SessionID models.SessionID
	Conn      *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
	}
}

// kick asks the write pump to close the socket.
func (c *Client) kick() {
	c.once.Do(func() { close(c.done) })
}

// HandleLive upgrades to a websocket that streams state, chat and journal
// frames for a session. With a characterId the character is shown online
// for as long as the socket stays open.
func (s *Server) HandleLive(c *gin.Context) {
	meta, ok := s.resolve(c)
	if !ok {
		return
	}
	id := models.SessionID(meta.ID)

	h, err := s.hubs.acquire(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		s.hubs.release(h)
		return
	}

	characterID := c.Query("characterId")
	client := &Client{
		ID:        uuid.New().String(),
		SessionID: id,
		Conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	client.log = s.log.With().Str("session", meta.ID).Str("client", client.ID).Logger()

	from := client.ID
	var scope *session.Context
	if characterID != "" {
		from = characterID
		scope = session.New(context.Background(), id, models.RoleGuest, characterID)
		h.presence.Bind(scope, characterID)
	}

	h.addClient(client)
	h.announce(models.Frame{Type: models.FrameTypeJoin, From: from, SessionID: meta.ID}, client)
	client.log.Info().Str("character", characterID).Msg("client joined")

	go client.writePump()
	go client.readPump(func() {
		h.removeClient(client)
		h.announce(models.Frame{Type: models.FrameTypeLeave, From: from, SessionID: meta.ID}, client)
		if scope != nil {
			_ = scope.Close()
		}
		s.hubs.release(h)
		client.log.Info().Msg("client left")
	})
}

// announce sends a transient frame to every client but exclude.
func (h *hub) announce(frame models.Frame, exclude *Client) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client != exclude {
			client.enqueue(data)
		}
	}
}

// readPump drains the socket so control frames are processed. Live frames
// only flow from server to client; updates go through the REST API.
func (c *Client) readPump(onClose func()) {
	defer func() {
		c.kick()
		onClose()
	}()

	c.Conn.SetReadLimit(4096)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		c.log.Debug().Msg("ignoring inbound frame")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
