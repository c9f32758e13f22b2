package bridge

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clover1417/Annie-Mie-Client/internal/busy"
	"github.com/clover1417/Annie-Mie-Client/internal/capture"
	"github.com/clover1417/Annie-Mie-Client/internal/session"
	"github.com/clover1417/Annie-Mie-Client/internal/speech"
	"github.com/clover1417/Annie-Mie-Client/internal/stream"
)

type countingRecorder struct {
	capture.Recorder
	starts atomic.Int32
	stops  atomic.Int32
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{Recorder: capture.NewNopRecorder()}
}

func (r *countingRecorder) StartAudio() { r.starts.Add(1) }
func (r *countingRecorder) StopAudio()  { r.stops.Add(1) }

type silentSpeaker struct{}

func (silentSpeaker) Speak(context.Context, string) error { return nil }

type hubHarness struct {
	hub      *Hub
	recorder *countingRecorder
	micOn    *atomic.Bool
	camOn    *atomic.Bool
	feedOn   *atomic.Bool
	srv      *httptest.Server
	sess     *session.Manager
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	dispatcher := speech.NewDispatcher(silentSpeaker{})
	flag := busy.NewFlag(filepath.Join(t.TempDir(), ".llm_busy"))
	// points at nothing: the hub tests never dial upstream
	sess := session.NewManager(session.Options{ServerURI: "ws://127.0.0.1:1"}, dispatcher, flag, nil)

	rec := newCountingRecorder()
	micOn, camOn, feedOn := &atomic.Bool{}, &atomic.Bool{}, &atomic.Bool{}
	hub := NewHub(sess, rec, micOn, camOn, feedOn)
	sess.SetSink(hub)

	srv := httptest.NewServer(hub.Routes())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &hubHarness{hub: hub, recorder: rec, micOn: micOn, camOn: camOn, feedOn: feedOn, srv: srv, sess: sess}
}

func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	uri := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(uri, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]interface{}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHubSendsStatusSnapshotOnConnect(t *testing.T) {
	h := newHubHarness(t)
	h.micOn.Store(true)

	conn := h.dial(t)
	ev := readEvent(t, conn)

	if ev["type"] != "status" {
		t.Fatalf("first event type = %v", ev["type"])
	}
	if ev["mic_on"] != true || ev["cam_on"] != false || ev["connected"] != false {
		t.Fatalf("snapshot = %v", ev)
	}
}

func TestHubToggleMicStartsRecorderOnce(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn) // snapshot

	send := func(cmd Command) {
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatal(err)
		}
	}

	send(Command{Type: CmdToggleMic, Enabled: true})
	ev := readEvent(t, conn)
	if ev["type"] != "mic" || ev["enabled"] != true {
		t.Fatalf("event = %v", ev)
	}
	if !h.micOn.Load() {
		t.Fatal("mic gate not set")
	}

	// same state again: no second start, no event
	send(Command{Type: CmdToggleMic, Enabled: true})
	send(Command{Type: CmdToggleMic, Enabled: false})
	ev = readEvent(t, conn)
	if ev["type"] != "mic" || ev["enabled"] != false {
		t.Fatalf("event = %v", ev)
	}

	if got := h.recorder.starts.Load(); got != 1 {
		t.Fatalf("StartAudio called %d times", got)
	}
	if got := h.recorder.stops.Load(); got != 1 {
		t.Fatalf("StopAudio called %d times", got)
	}
}

func TestHubToggleCamAndFeedGates(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(Command{Type: CmdToggleCam, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "cam" || !h.camOn.Load() {
		t.Fatalf("cam event = %v, gate = %v", ev, h.camOn.Load())
	}
	if !h.feedOn.Load() {
		t.Fatal("feed gate not raised with the camera")
	}

	// camera off hides the feed again
	if err := conn.WriteJSON(Command{Type: CmdToggleCam, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	ev = readEvent(t, conn)
	if ev["type"] != "cam" || h.feedOn.Load() {
		t.Fatalf("cam event = %v, feed gate = %v", ev, h.feedOn.Load())
	}
}

func TestHubShowFeedRequiresCamera(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	// bare show_feed with the camera off is refused
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"show_feed"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Command{Type: CmdToggleCam, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	readEvent(t, conn) // cam event
	if !h.feedOn.Load() {
		t.Fatal("feed gate not raised with the camera")
	}

	h.feedOn.Store(false) // feed surface closed out-of-band
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"show_feed"}`)); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "feed" || ev["enabled"] != true {
		t.Fatalf("feed event = %v", ev)
	}
	if !h.feedOn.Load() {
		t.Fatal("show_feed did not reopen the feed")
	}
}

func TestHubToggleWireFormat(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	// the toggles carry their state in "enabled" on the wire
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_mic","enabled":true}`)); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "mic" || ev["enabled"] != true {
		t.Fatalf("event = %v", ev)
	}
	if !h.micOn.Load() {
		t.Fatal("mic gate not set from wire command")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_think","enabled":true}`)); err != nil {
		t.Fatal(err)
	}
	ev = readEvent(t, conn)
	if ev["type"] != "think_mode" || ev["enabled"] != true {
		t.Fatalf("event = %v", ev)
	}
}

func TestHubTextWhileDisconnectedReportsError(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteJSON(Command{Type: CmdText, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "error" {
		t.Fatalf("event = %v", ev)
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	h := newHubHarness(t)
	a := h.dial(t)
	b := h.dial(t)
	readEvent(t, a)
	readEvent(t, b)

	h.hub.StreamText("hi")

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		if ev["type"] != "text" || ev["text"] != "hi" {
			t.Fatalf("event = %v", ev)
		}
	}
}

func TestHubTagEventShape(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	delay := 1.5
	h.hub.TagEmitted(stream.Tag{Kind: stream.TagAnimate, Value: "wave", Delay: &delay, Position: 4})

	ev := readEvent(t, conn)
	if ev["type"] != "tag" || ev["kind"] != "animate" || ev["value"] != "wave" {
		t.Fatalf("event = %v", ev)
	}
	if ev["delay"] != 1.5 || ev["position"] != float64(4) {
		t.Fatalf("event = %v", ev)
	}
}

func TestHubMalformedCommandKeepsConnection(t *testing.T) {
	h := newHubHarness(t)
	conn := h.dial(t)
	readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Command{Type: CmdToggleCam, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "cam" {
		t.Fatalf("event = %v", ev)
	}
}

func TestHubHealthz(t *testing.T) {
	h := newHubHarness(t)
	resp, err := h.srv.Client().Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}
