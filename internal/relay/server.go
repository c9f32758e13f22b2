package relay

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clover1417/Annie-Mie-Client/internal/detect"
)

// DefaultTick is the cadence at which the latest frame is sampled (~60 Hz).
const DefaultTick = 16 * time.Millisecond

// DefaultDetectEvery throttles face detection to every Kth tick; intermediate
// ticks reuse the previous boxes.
const DefaultDetectEvery = 5

// Resolver maps a face embedding to a known identity handle.
type Resolver interface {
	Find(embedding []float32, threshold float64) (string, bool)
}

// Server accepts viewer connections and fans the producer's latest frame out
// to all of them on a fixed cadence.
type Server struct {
	addr        string
	detector    detect.FaceDetector
	resolver    Resolver
	active      *atomic.Bool // camera-enabled flag, owned by the bridge hub
	tick        time.Duration
	detectEvery int

	ln net.Listener

	mu      sync.Mutex
	viewers []net.Conn

	frameMu sync.Mutex
	latest  []byte
	seq     uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tweaks server construction.
type Option func(*Server)

// WithCadence overrides the sampling tick.
func WithCadence(tick time.Duration) Option {
	return func(s *Server) { s.tick = tick }
}

// WithDetectEvery overrides the detection throttle interval.
func WithDetectEvery(k int) Option {
	return func(s *Server) { s.detectEvery = k }
}

// NewServer constructs a relay listening on addr. detector and resolver may be
// nil, in which case frames are relayed without overlay. active gates the
// cadence loop; a nil active means always on.
func NewServer(addr string, detector detect.FaceDetector, resolver Resolver, active *atomic.Bool, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		detector:    detector,
		resolver:    resolver,
		active:      active,
		tick:        DefaultTick,
		detectEvery: DefaultDetectEvery,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listening endpoint and launches the accept and cadence
// loops. A bind failure is fatal to the relay and returned to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	log.Printf("relay: frame server listening on %s", ln.Addr())

	s.wg.Add(2)
	go s.acceptLoop()
	go s.cadenceLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Publish stores the producer's newest frame. The relay samples it on its own
// cadence; frames arriving faster than the tick are skipped, never queued.
func (s *Server) Publish(frame []byte) {
	s.frameMu.Lock()
	s.latest = frame
	s.seq++
	s.frameMu.Unlock()
}

// Stop shuts down the listener, all viewers and both loops, waiting for them
// to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for _, v := range s.viewers {
		_ = v.Close()
	}
	s.viewers = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// a failed handshake must not take viewer registration down
			log.Printf("relay: accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		s.viewers = append(s.viewers, conn)
		n := len(s.viewers)
		s.mu.Unlock()
		log.Printf("relay: viewer connected (%d total)", n)
	}
}

func (s *Server) cadenceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var lastSeq uint64
	var lastAnns []annotation
	tickCount := 0

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if s.active != nil && !s.active.Load() {
			continue
		}
		if !s.hasViewers() {
			continue
		}

		s.frameMu.Lock()
		frame, seq := s.latest, s.seq
		s.frameMu.Unlock()
		if frame == nil || seq == lastSeq {
			continue // nothing new since the last tick: send nothing
		}
		lastSeq = seq
		tickCount++

		if s.detector != nil && tickCount%s.detectEvery == 0 {
			lastAnns = s.annotate(frame)
		}
		out := drawOverlay(frame, lastAnns)
		s.fanOut(out)
	}
}

func (s *Server) hasViewers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers) > 0
}

// annotate runs detection and resolves identities for overlay labels. A
// detection failure yields an empty overlay; it never aborts the relay loop.
func (s *Server) annotate(frame []byte) []annotation {
	faces, err := s.detector.DetectFaces(frame)
	if err != nil {
		log.Printf("relay: detection error: %v", err)
		return nil
	}
	anns := make([]annotation, 0, len(faces))
	for _, face := range faces {
		id := ""
		if s.resolver != nil && len(face.Embedding) > 0 {
			if matched, ok := s.resolver.Find(face.Embedding, 0.6); ok {
				id = matched
			}
		}
		anns = append(anns, annotation{face: face, label: labelFor(face, id)})
	}
	return anns
}

// fanOut writes the frame to every registered viewer. A write failure evicts
// only that viewer; delivery to the others proceeds.
func (s *Server) fanOut(frame []byte) {
	s.mu.Lock()
	viewers := make([]net.Conn, len(s.viewers))
	copy(viewers, s.viewers)
	s.mu.Unlock()

	var dead []net.Conn
	for _, v := range viewers {
		if err := WriteFrame(v, frame); err != nil {
			log.Printf("relay: viewer write failed, evicting: %v", err)
			dead = append(dead, v)
		}
	}
	if len(dead) == 0 {
		return
	}

	s.mu.Lock()
	kept := s.viewers[:0]
	for _, v := range s.viewers {
		evicted := false
		for _, d := range dead {
			if v == d {
				evicted = true
				break
			}
		}
		if evicted {
			_ = v.Close()
			continue
		}
		kept = append(kept, v)
	}
	s.viewers = kept
	s.mu.Unlock()
}
