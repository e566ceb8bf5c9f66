package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients
type ClientMessage struct {
	Type   string   `json:"type"`             // "join", "spectate", "click", "activate"
	Name   string   `json:"name,omitempty"`   // join
	Target PlayerID `json:"target,omitempty"` // click; empty or own id means self
	Assist bool     `json:"assist,omitempty"` // click
}

// ErrorMessage is sent only to the client whose action was rejected.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func errorMessage(err error) ErrorMessage {
	return ErrorMessage{
		Type:    "error",
		Reason:  reason(err),
		Message: err.Error(),
	}
}

const (
	// handshakeTimeout bounds the wait for the initial join message.
	handshakeTimeout = 10 * time.Second

	// actionTimeout bounds the wait for a saturated hub queue before the
	// action is dropped as overloaded.
	actionTimeout = 250 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "clickname_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) PlayerID {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return PlayerID(c.Value)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return PlayerID(id)
}

type Client struct {
	conn   *websocket.Conn
	hub    *Hub
	viewer *viewer
}

// serveWSForManager upgrades the connection, performs the join handshake
// and hands the socket to the read/write pumps. The first client message
// must be either "join" (with a name) or "spectate".
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := gm.getHub(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var hello ClientMessage
		if err := conn.ReadJSON(&hello); err != nil {
			_ = conn.Close()
			return
		}

		var v *viewer
		switch {
		case hello.Type == "spectate":
			v = hub.caster.newViewer("")
		case hello.Type == "join" && hello.Name != "":
			v = hub.caster.newViewer(playerID)
		default:
			_ = conn.WriteJSON(ErrorMessage{Type: "error", Reason: "rejected", Message: "first message must be join or spectate"})
			_ = conn.Close()
			return
		}

		reply := make(chan error, 1)
		join := viewerJoin{
			v:         v,
			name:      hello.Name,
			spectator: hello.Type == "spectate",
			reply:     reply,
		}

		select {
		case hub.register <- join:
		case <-time.After(handshakeTimeout):
			_ = conn.WriteJSON(errorMessage(errOverloaded))
			_ = conn.Close()
			return
		case <-hub.quit:
			_ = conn.Close()
			return
		}

		if err := <-reply; err != nil {
			_ = conn.WriteJSON(errorMessage(err))
			_ = conn.Close()
			return
		}

		_ = conn.SetReadDeadline(time.Time{})

		client := &Client{
			conn:   conn,
			hub:    hub,
			viewer: v,
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unreg <- c.viewer:
		case <-c.hub.quit:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "click":
			if c.viewer.id == "" {
				// spectators don't act
				continue
			}

			ev, err := c.hub.validator.validate(rawAction{
				actor:  c.viewer.id,
				target: msg.Target,
				assist: msg.Assist,
				at:     time.Now(),
			})
			if err != nil {
				c.hub.caster.sendTo(c.viewer, errorMessage(err))
				continue
			}

			select {
			case c.hub.actions <- actionRequest{v: c.viewer, ev: ev}:
			case <-time.After(actionTimeout):
				c.hub.caster.sendTo(c.viewer, errorMessage(errOverloaded))
			case <-c.hub.quit:
				return
			}

		case "activate":
			if c.viewer.id == "" {
				continue
			}

			select {
			case c.hub.activations <- activationRequest{v: c.viewer, id: c.viewer.id}:
			case <-time.After(actionTimeout):
				c.hub.caster.sendTo(c.viewer, errorMessage(errOverloaded))
			case <-c.hub.quit:
				return
			}

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.viewer.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
