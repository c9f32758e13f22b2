package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/clover1417/Annie-Mie-Client/internal/bridge"
	"github.com/clover1417/Annie-Mie-Client/internal/busy"
	"github.com/clover1417/Annie-Mie-Client/internal/capture"
	"github.com/clover1417/Annie-Mie-Client/internal/config"
	"github.com/clover1417/Annie-Mie-Client/internal/identity"
	"github.com/clover1417/Annie-Mie-Client/internal/relay"
	"github.com/clover1417/Annie-Mie-Client/internal/session"
	"github.com/clover1417/Annie-Mie-Client/internal/speech"
)

// opusSocketSink ships paced opus frames to a local playback process over a
// length-prefixed TCP connection.
type opusSocketSink struct {
	mu   sync.Mutex
	conn net.Conn
	addr string
}

func newOpusSocketSink(addr string) *opusSocketSink {
	return &opusSocketSink{addr: addr}
}

func (s *opusSocketSink) WriteOpus(frame []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.addr, 2*time.Second)
		if err != nil {
			return err
		}
		s.conn = conn
		log.Printf("playback: connected to %s", s.addr)
	}
	if err := relay.WriteFrame(s.conn, frame); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *opusSocketSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// buildSpeaker picks the playback path: Deepgram synthesis into a paced opus
// socket when fully configured, otherwise a timed simulation.
func buildSpeaker(cfg config.Config) (speech.Speaker, func()) {
	if cfg.DeepgramKey == "" || cfg.PlaybackAddress == "" {
		log.Printf("speech: using timed playback fallback")
		return speech.TimedSpeaker{}, func() {}
	}
	sock := newOpusSocketSink(cfg.PlaybackAddress)
	writer, err := speech.NewPacedOpusWriter(sock)
	if err != nil {
		log.Printf("speech: opus writer unavailable (%v), using timed fallback", err)
		sock.Close()
		return speech.TimedSpeaker{}, func() {}
	}
	synth := speech.NewDeepgramSynthesizer(cfg.DeepgramKey, speech.SynthOptions{
		Model:      cfg.DeepgramModel,
		SampleRate: 48000, // the paced opus writer encodes 48kHz mono
		IdleWindow: cfg.SynthIdleWindow,
		Deadline:   cfg.SynthDeadline,
	})
	cleanup := func() {
		writer.Close()
		sock.Close()
	}
	return speech.NewPCMSpeaker(synth, writer), cleanup
}

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	store := identity.NewStore(cfg.IdentityDir)
	if err := store.Load(); err != nil {
		log.Printf("identity: load failed: %v (starting empty)", err)
	}
	// no local face model ships with the client; the identity manager
	// degrades to zero detections until a detector is plugged in
	identifier := identity.NewManager(nil, store)

	busyFlag := busy.NewFlag(cfg.BusyFlagPath)

	speaker, speakerCleanup := buildSpeaker(cfg)
	defer speakerCleanup()
	dispatcher := speech.NewDispatcher(speaker)

	micOn, camOn, feedOn := &atomic.Bool{}, &atomic.Bool{}, &atomic.Bool{}
	recorder := capture.NewNopRecorder()

	sess := session.NewManager(session.Options{
		ServerURI:    cfg.ServerURI,
		Backoff:      cfg.ReconnectBackoff,
		PingInterval: cfg.PingInterval,
		MicEnabled:   micOn,
		CamEnabled:   camOn,
		Recorder:     recorder,
		Identity:     identifier,
	}, dispatcher, busyFlag, nil)

	hub := bridge.NewHub(sess, recorder, micOn, camOn, feedOn)
	sess.SetSink(hub)

	feed := relay.NewServer(cfg.RelayAddress, nil, store, feedOn,
		relay.WithCadence(cfg.FrameInterval),
		relay.WithDetectEvery(cfg.DetectEvery))
	if err := feed.Start(); err != nil {
		log.Fatalf("relay: %v", err)
	}
	log.Printf("relay listening on %s", feed.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)
	sess.Start(ctx)

	// pump the recorder's latest camera frame into the relay
	go func() {
		ticker := time.NewTicker(cfg.FrameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !camOn.Load() {
					continue
				}
				if frame, ok := recorder.LatestFrame(); ok {
					feed.Publish(frame)
				}
			}
		}
	}()

	e := hub.Routes()
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("bridge listening on %s", cfg.BridgeAddress)
		serverErrors <- e.Start(cfg.BridgeAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("bridge server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	cancel()
	sess.Stop()
	dispatcher.Stop()
	feed.Stop()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = e.Close()
	}
}
