// Package bridge exposes the local control surface: a websocket endpoint UI
// clients connect to for sending commands and receiving pipeline events.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/clover1417/Annie-Mie-Client/internal/capture"
	"github.com/clover1417/Annie-Mie-Client/internal/session"
	"github.com/clover1417/Annie-Mie-Client/internal/stream"
)

// Command is one inbound UI instruction. Toggles carry the desired state in
// "enabled"; show_feed and sync have no payload.
type Command struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Text    string `json:"text,omitempty"`
}

// Command types accepted on the control socket.
const (
	CmdToggleMic   = "toggle_mic"
	CmdToggleCam   = "toggle_cam"
	CmdToggleThink = "toggle_think"
	CmdShowFeed    = "show_feed"
	CmdText        = "text"
	CmdSync        = "sync"
)

// client is one connected UI peer. writes are serialized per connection.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub routes UI commands into the session and fans pipeline events out to
// every connected client. It is the session manager's event sink.
type Hub struct {
	session  *session.Manager
	recorder capture.Recorder

	// micOn and camOn are shared gates: the session's utterance loop and the
	// relay's cadence loop read them, the hub is the only writer.
	micOn      *atomic.Bool
	camOn      *atomic.Bool
	feedActive *atomic.Bool

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds the hub over its collaborators. feedActive gates the frame
// relay overlay cadence.
func NewHub(sess *session.Manager, rec capture.Recorder, micOn, camOn, feedActive *atomic.Bool) *Hub {
	return &Hub{
		session:    sess,
		recorder:   rec,
		micOn:      micOn,
		camOn:      camOn,
		feedActive: feedActive,
		upgrader: websocket.Upgrader{
			// local control plane: any origin on the loopback UI is fine
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Routes registers the hub endpoints on a fresh echo instance.
func (h *Hub) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/ws", h.handleWS)
	return e
}

func (h *Hub) handleWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{conn: conn}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("bridge: client connected (%d active)", n)

	if err := cl.writeJSON(h.statusSnapshot()); err != nil {
		log.Printf("bridge: status snapshot: %v", err)
	}

	go h.readLoop(cl)
	return nil
}

// statusSnapshot is the state a freshly connected client needs to render.
func (h *Hub) statusSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"type":      "status",
		"connected": h.session.State() == session.StateConnected,
		"mic_on":    h.micOn.Load(),
		"cam_on":    h.camOn.Load(),
	}
}

func (h *Hub) readLoop(cl *client) {
	defer h.drop(cl)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("bridge: malformed command: %v", err)
			continue
		}
		h.handleCommand(cl, cmd)
	}
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	n := len(h.clients)
	h.mu.Unlock()
	_ = cl.conn.Close()
	log.Printf("bridge: client disconnected (%d active)", n)
}

// handleCommand applies one UI command. Toggles are idempotent: setting a
// gate to its current value does nothing.
func (h *Hub) handleCommand(cl *client, cmd Command) {
	switch cmd.Type {
	case CmdToggleMic:
		if h.micOn.CompareAndSwap(!cmd.Enabled, cmd.Enabled) {
			if cmd.Enabled {
				h.recorder.StartAudio()
				log.Printf("bridge: mic on")
			} else {
				h.recorder.StopAudio()
				log.Printf("bridge: mic off")
			}
			h.Broadcast(map[string]interface{}{"type": "mic", "enabled": cmd.Enabled})
		}
	case CmdToggleCam:
		if h.camOn.CompareAndSwap(!cmd.Enabled, cmd.Enabled) {
			// the feed surface follows the camera: off hides it, on shows it
			h.feedActive.Store(cmd.Enabled)
			log.Printf("bridge: camera %v", cmd.Enabled)
			h.Broadcast(map[string]interface{}{"type": "cam", "enabled": cmd.Enabled})
		}
	case CmdToggleThink:
		h.session.SetSpeakThoughts(cmd.Enabled)
		log.Printf("bridge: speak thoughts %v", cmd.Enabled)
		h.Broadcast(map[string]interface{}{"type": "think_mode", "enabled": cmd.Enabled})
	case CmdShowFeed:
		if !h.camOn.Load() {
			log.Printf("bridge: show feed requested with camera off")
			return
		}
		if h.feedActive.CompareAndSwap(false, true) {
			log.Printf("bridge: video feed reopened")
		}
		h.Broadcast(map[string]interface{}{"type": "feed", "enabled": true})
	case CmdText:
		if cmd.Text == "" {
			return
		}
		if err := h.session.SendText(cmd.Text); err != nil {
			log.Printf("bridge: send text: %v", err)
			h.sendTo(cl, map[string]interface{}{"type": "error", "error": "not connected"})
		}
	case CmdSync:
		state := h.session.Sync(context.Background())
		h.Broadcast(map[string]interface{}{"type": "connection", "status": state.String()})
	default:
		log.Printf("bridge: unknown command %q", cmd.Type)
	}
}

func (h *Hub) sendTo(cl *client, v interface{}) {
	if err := cl.writeJSON(v); err != nil {
		h.drop(cl)
	}
}

// Broadcast sends an event to every connected client, dropping peers whose
// writes fail.
func (h *Hub) Broadcast(v interface{}) {
	h.mu.Lock()
	peers := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		peers = append(peers, cl)
	}
	h.mu.Unlock()
	for _, cl := range peers {
		h.sendTo(cl, v)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		peers = append(peers, cl)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, cl := range peers {
		_ = cl.conn.Close()
	}
}

// Hub implements session.EventSink: pipeline events become UI broadcasts.

func (h *Hub) ConnectionChanged(status string) {
	h.Broadcast(map[string]interface{}{"type": "connection", "status": status})
}

func (h *Hub) StreamText(text string) {
	h.Broadcast(map[string]interface{}{"type": "text", "text": text})
}

func (h *Hub) TagEmitted(tag stream.Tag) {
	ev := map[string]interface{}{
		"type":     "tag",
		"kind":     string(tag.Kind),
		"value":    tag.Value,
		"position": tag.Position,
	}
	if tag.Delay != nil {
		ev["delay"] = *tag.Delay
	}
	h.Broadcast(ev)
}

func (h *Hub) ThinkStarted() {
	h.Broadcast(map[string]interface{}{"type": "think", "state": "start"})
}

func (h *Hub) ThinkEnded(content string) {
	h.Broadcast(map[string]interface{}{"type": "think", "state": "end", "content": content})
}

func (h *Hub) FunctionCalled(content string) {
	h.Broadcast(map[string]interface{}{"type": "function_call", "content": content})
}

func (h *Hub) IdentityDetected(ids []string, profiles []session.Profile) {
	h.Broadcast(map[string]interface{}{"type": "identity", "identity_ids": ids, "profiles": profiles})
}

func (h *Hub) ServerError(msg string) {
	h.Broadcast(map[string]interface{}{"type": "error", "error": msg})
}

var _ session.EventSink = (*Hub)(nil)
