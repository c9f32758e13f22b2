// Package session owns the connection to the upstream conversational server:
// connect, demultiplex inbound control messages, reconnect with backoff while
// running, and drive the parser/dispatcher pipeline and busy signal.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clover1417/Annie-Mie-Client/internal/busy"
	"github.com/clover1417/Annie-Mie-Client/internal/capture"
	"github.com/clover1417/Annie-Mie-Client/internal/detect"
	"github.com/clover1417/Annie-Mie-Client/internal/identity"
	"github.com/clover1417/Annie-Mie-Client/internal/speech"
	"github.com/clover1417/Annie-Mie-Client/internal/stream"
)

// ConnState is the connection lifecycle state, owned exclusively by Manager.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultBackoff is the fixed reconnect interval.
const DefaultBackoff = 3 * time.Second

// DefaultPingInterval paces keepalive probes on the upstream connection.
const DefaultPingInterval = 20 * time.Second

// EventSink receives every observable pipeline event. The bridge hub
// implements it to broadcast to UI clients; all methods must be best-effort
// and non-blocking.
type EventSink interface {
	ConnectionChanged(status string)
	StreamText(text string)
	TagEmitted(tag stream.Tag)
	ThinkStarted()
	ThinkEnded(content string)
	FunctionCalled(content string)
	IdentityDetected(ids []string, profiles []Profile)
	ServerError(msg string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ConnectionChanged(string)           {}
func (NopSink) StreamText(string)                  {}
func (NopSink) TagEmitted(stream.Tag)              {}
func (NopSink) ThinkStarted()                      {}
func (NopSink) ThinkEnded(string)                  {}
func (NopSink) FunctionCalled(string)              {}
func (NopSink) IdentityDetected([]string, []Profile) {}
func (NopSink) ServerError(string)                 {}

// Options configures a Manager.
type Options struct {
	ServerURI    string
	Backoff      time.Duration
	PingInterval time.Duration
	// MicEnabled gates the utterance pipeline; owned (written) by the bridge hub.
	MicEnabled *atomic.Bool
	// CamEnabled gates frame attachment to outbound audio; owned by the bridge hub.
	CamEnabled *atomic.Bool
	Recorder   capture.Recorder
	Speech     detect.SpeechDetector
	Identity   *identity.Manager
}

// Manager multiplexes the upstream websocket session.
type Manager struct {
	opts       Options
	parser     *stream.Parser
	dispatcher *speech.Dispatcher
	busyFlag   *busy.Flag
	sink       EventSink

	state   atomic.Int32
	running atomic.Bool
	closed  atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	// thinking and pendingStats are touched only from the listen loop.
	thinking      bool
	pendingStats  string
	speakThoughts atomic.Bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the pipeline around an upstream session. sink may be nil.
func NewManager(opts Options, dispatcher *speech.Dispatcher, busyFlag *busy.Flag, sink EventSink) *Manager {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Speech == nil {
		opts.Speech = detect.PassthroughSpeechDetector{}
	}
	if sink == nil {
		sink = NopSink{}
	}
	m := &Manager{
		opts:       opts,
		dispatcher: dispatcher,
		busyFlag:   busyFlag,
		sink:       sink,
		kick:       make(chan struct{}, 1),
	}
	m.parser = stream.NewParser(m)
	return m
}

// Parser returns the manager's stream parser (the manager is its listener).
func (m *Manager) Parser() *stream.Parser { return m.parser }

// SetSink replaces the event sink. Call before Start; the hub is constructed
// after the manager, so wiring happens in two steps.
func (m *Manager) SetSink(sink EventSink) {
	if sink == nil {
		sink = NopSink{}
	}
	m.sink = sink
}

// State reports the current connection state.
func (m *Manager) State() ConnState { return ConnState(m.state.Load()) }

func (m *Manager) setState(s ConnState) {
	if ConnState(m.state.Swap(int32(s))) != s {
		m.sink.ConnectionChanged(s.String())
	}
}

// SetSpeakThoughts toggles whether think-block content is spoken aloud.
func (m *Manager) SetSpeakThoughts(on bool) { m.speakThoughts.Store(on) }

// Start launches the session loops. The session keeps reconnecting until Stop.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	if m.opts.Recorder != nil {
		m.wg.Add(1)
		go m.utteranceLoop(ctx)
	}
}

// Stop marks the session stopped, cancels its loops and awaits their
// termination before releasing the connection and the busy marker.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.closed.Store(true)
	if m.cancel != nil {
		m.cancel()
	}
	m.closeConn()
	m.wg.Wait()
	m.busyFlag.Clear()
	m.setState(StateDisconnected)
}

// Running reports whether the session is marked running.
func (m *Manager) Running() bool { return m.running.Load() }

// run is the connect/listen/backoff loop. It retries indefinitely at the
// fixed backoff interval while the session is running.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for m.running.Load() && ctx.Err() == nil {
		if err := m.Connect(ctx); err != nil {
			log.Printf("session: connect failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-m.kick:
				continue
			case <-time.After(m.opts.Backoff):
				continue
			}
		}
		m.listen(ctx)
		if !m.running.Load() || ctx.Err() != nil {
			return
		}
		log.Printf("session: connection lost, reconnecting in %s", m.opts.Backoff)
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-time.After(m.opts.Backoff):
		}
	}
}

// Connect dials the upstream server once. It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	if m.conn != nil {
		m.connMu.Unlock()
		return nil
	}
	m.connMu.Unlock()

	m.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	log.Printf("session: connecting to %s", m.opts.ServerURI)
	conn, resp, err := dialer.DialContext(ctx, m.opts.ServerURI, nil)
	if err != nil {
		if resp != nil {
			log.Printf("session: handshake rejected with status %d", resp.StatusCode)
		}
		m.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", m.opts.ServerURI, err)
	}

	m.connMu.Lock()
	if m.conn != nil {
		// lost a dial race to Sync or the run loop: keep the existing conn
		m.connMu.Unlock()
		_ = conn.Close()
		return nil
	}
	if m.closed.Load() || ctx.Err() != nil {
		// Stop won the race: the dialed conn must not outlive the session
		m.connMu.Unlock()
		_ = conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("dial %s: session stopped", m.opts.ServerURI)
	}
	m.conn = conn
	m.connMu.Unlock()
	m.setState(StateConnected)
	log.Printf("session: connected")
	return nil
}

// Sync forces an immediate connect attempt when disconnected and reports the
// resulting state.
func (m *Manager) Sync(ctx context.Context) ConnState {
	if m.State() == StateConnected {
		return StateConnected
	}
	if err := m.Connect(ctx); err != nil {
		log.Printf("session: sync connect failed: %v", err)
		return m.State()
	}
	// wake the run loop so it starts listening on the fresh connection
	select {
	case m.kick <- struct{}{}:
	default:
	}
	return m.State()
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()
}

// listen reads inbound messages until the connection drops, keeping a ping
// ticker alive for the duration. On exit the connection is released, the busy
// signal cleared, and state set to Disconnected.
func (m *Manager) listen(ctx context.Context) {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return
	}

	// the ping goroutine doubles as the cancellation watcher: closing the
	// conn is the only way to unblock ReadMessage below
	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.running.Load() && ctx.Err() == nil {
				log.Printf("session: read error: %v", err)
			}
			break
		}
		m.handleMessage(data)
	}

	close(pingStop)
	m.closeConn()
	m.busyFlag.Clear()
	m.setState(StateDisconnected)
}

// handleMessage demultiplexes one inbound control message. Malformed payloads
// are logged and skipped without terminating the connection.
func (m *Manager) handleMessage(data []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("session: malformed message: %v", err)
		return
	}

	switch msg.Type {
	case MsgStatus:
		switch msg.Status {
		case StatusGenerating:
			log.Printf("session: generating response")
			m.thinking = false
			m.parser.Reset()
			m.dispatcher.Reset()
			m.busyFlag.Set()
		case StatusDone:
			log.Printf("session: response complete")
			m.completeStream()
		default:
			log.Printf("session: unknown status %q", msg.Status)
		}
	case MsgText:
		if msg.Text != "" {
			m.parser.Feed(msg.Text)
		}
	case MsgIdentity:
		m.handleIdentity(msg)
	case MsgStats:
		switch msg.Stat {
		case StatFirstToken:
			log.Printf("session: first token in %.2fs", msg.Time)
		case StatComplete:
			m.pendingStats = fmt.Sprintf("generated %d tokens in %.2fs (%.2f tok/s)",
				msg.Tokens, msg.Time, msg.TokPerSec)
		}
	case MsgError:
		log.Printf("session: server error: %s", msg.Error)
		m.busyFlag.Clear()
		m.sink.ServerError(msg.Error)
	case MsgPing, MsgPong:
		// liveness only
	default:
		log.Printf("session: unknown message type %q", msg.Type)
	}
}

// completeStream finalizes the parser, drains speech and clears the busy
// signal. Flush blocks until playback has caught up with the finished turn.
func (m *Manager) completeStream() {
	m.parser.Finish()
	m.dispatcher.Flush()
	if m.pendingStats != "" {
		log.Printf("session: %s", m.pendingStats)
		m.pendingStats = ""
	}
	m.busyFlag.Clear()
}

func (m *Manager) handleIdentity(msg ServerMessage) {
	for _, p := range msg.Profiles {
		if p.IsFirstMeeting {
			log.Printf("session: new user %s", p.IdentityID)
		} else if p.Name != "" {
			log.Printf("session: recognized %s", p.Name)
		} else {
			log.Printf("session: recognized %s", p.IdentityID)
		}
	}
	m.sink.IdentityDetected(msg.IdentityIDs, msg.Profiles)
}

// SendText forwards a user text utterance upstream.
func (m *Manager) SendText(text string) error {
	return m.writeJSON(TextMessage{Type: MsgText, Text: text})
}

func (m *Manager) writeJSON(v interface{}) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("session: not connected")
	}
	return m.conn.WriteJSON(v)
}

// maxUtteranceFrames caps the video frames attached to one audio message.
const maxUtteranceFrames = 3

// utteranceLoop ships captured speech upstream: gate on mic/busy, filter
// through the speech detector, attach identities and sampled frames.
func (m *Manager) utteranceLoop(ctx context.Context) {
	defer m.wg.Done()
	events := m.opts.Recorder.SpeechEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case utt, ok := <-events:
			if !ok {
				return
			}
			if m.opts.MicEnabled != nil && !m.opts.MicEnabled.Load() {
				continue // mic off: discard
			}
			if m.busyFlag.IsSet() {
				continue // upstream busy: discard rather than queue stale audio
			}
			if !m.opts.Speech.IsSpeech(utt.Audio) {
				continue
			}
			log.Printf("session: speech detected (%.1fs)", utt.Duration.Seconds())
			if err := m.sendUtterance(utt); err != nil {
				log.Printf("session: send utterance: %v", err)
			}
		}
	}
}

// sendUtterance builds and sends one audio message.
func (m *Manager) sendUtterance(utt capture.Utterance) error {
	msg := AudioMessage{
		Type:        MsgAudio,
		AudioBase64: base64.StdEncoding.EncodeToString(utt.Audio),
		AudioFormat: utt.Format,
		SessionName: time.Now().Format("02_01_06_150405"),
		IdentityIDs: []string{},
	}

	camOn := m.opts.CamEnabled != nil && m.opts.CamEnabled.Load()
	var frames [][]byte
	if camOn {
		frames = m.opts.Recorder.FramesForDuration(utt.Duration + 500*time.Millisecond)
	}

	if m.opts.Identity != nil {
		var identFrame []byte
		if len(frames) > 0 {
			identFrame = frames[len(frames)-1]
		} else if camOn {
			if latest, ok := m.opts.Recorder.LatestFrame(); ok {
				identFrame = latest
			}
		}
		res := m.opts.Identity.IdentifyFaces(identFrame)
		if len(res.DetectedIDs) > 0 {
			msg.IdentityIDs = res.DetectedIDs
		}
		msg.NewIdentityIDs = res.NewIDs
	}

	if len(frames) > 0 {
		for _, f := range sampleFrames(frames, maxUtteranceFrames) {
			msg.VideoFrames = append(msg.VideoFrames, base64.StdEncoding.EncodeToString(f))
		}
		log.Printf("session: %d frames -> %d sent (%.1fs)", len(frames), len(msg.VideoFrames), utt.Duration.Seconds())
	} else if camOn {
		if latest, ok := m.opts.Recorder.LatestFrame(); ok {
			msg.VideoFrames = []string{base64.StdEncoding.EncodeToString(latest)}
		}
	}

	return m.writeJSON(msg)
}

// sampleFrames thins a frame sequence down to at most max evenly spaced frames.
func sampleFrames(frames [][]byte, max int) [][]byte {
	total := len(frames)
	keep := total/60 + 1
	if keep > max {
		keep = max
	}
	if keep < 1 {
		keep = 1
	}
	if total <= keep {
		return frames
	}
	step := total / keep
	out := make([][]byte, 0, keep)
	for i := 0; i < keep; i++ {
		out = append(out, frames[i*step])
	}
	return out
}

// Parser listener: the manager routes stream events into speech and the sink.

func (m *Manager) OnText(text string) {
	if !m.thinking {
		m.dispatcher.FeedText(text)
		m.sink.StreamText(text)
	}
}

func (m *Manager) OnTag(tag stream.Tag) {
	switch tag.Kind {
	case stream.TagEmotion:
		log.Printf("session: emotion %q", tag.Value)
	case stream.TagAnimate:
		if tag.Delay != nil {
			log.Printf("session: animate %q (delay=%.1fs)", tag.Value, *tag.Delay)
		} else {
			log.Printf("session: animate %q", tag.Value)
		}
	}
	m.sink.TagEmitted(tag)
}

func (m *Manager) OnThinkStart() {
	m.thinking = true
	m.sink.ThinkStarted()
}

func (m *Manager) OnThinkEnd(content string) {
	m.thinking = false
	if m.speakThoughts.Load() && content != "" {
		m.dispatcher.FeedText(content + " ")
	}
	m.sink.ThinkEnded(content)
}

func (m *Manager) OnFunctionCall(content string) {
	preview := content
	if len(preview) > 60 {
		preview = preview[:60] + "..."
	}
	log.Printf("session: function call: %s", preview)
	m.sink.FunctionCalled(content)
}
