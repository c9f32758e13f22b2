package speech

import (
	"context"
	"fmt"
	"log"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// Synthesizer streams linear16 PCM for the given text. Both channels close
// when the stream ends.
type Synthesizer interface {
	StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// SynthOptions tunes one synthesis stream. Zero values select the defaults
// the playback chain expects.
type SynthOptions struct {
	Model string
	// SampleRate of the emitted PCM. The opus playback path requires 48000.
	SampleRate int
	// IdleWindow ends the stream once no audio has arrived for this long.
	IdleWindow time.Duration
	// Deadline bounds one synthesis turn regardless of audio activity.
	Deadline time.Duration
}

func (o *SynthOptions) withDefaults() {
	if o.Model == "" {
		o.Model = "aura-2-thalia-en"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 48000
	}
	if o.IdleWindow <= 0 {
		o.IdleWindow = 400 * time.Millisecond
	}
	if o.Deadline <= 0 {
		o.Deadline = 12 * time.Second
	}
}

// DeepgramSynthesizer streams synthesized speech from Deepgram's websocket
// speak API.
type DeepgramSynthesizer struct {
	apiKey string
	opts   SynthOptions
}

// NewDeepgramSynthesizer constructs a synthesizer over the speak websocket.
func NewDeepgramSynthesizer(apiKey string, opts SynthOptions) *DeepgramSynthesizer {
	opts.withDefaults()
	return &DeepgramSynthesizer{apiKey: apiKey, opts: opts}
}

func (d *DeepgramSynthesizer) StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if err := d.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

// stream runs one synthesis turn. The speak socket has no end-of-stream
// marker, so the turn finishes once audio has been quiet for the idle window,
// with the hard deadline as backstop.
func (d *DeepgramSynthesizer) stream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	if d.apiKey == "" {
		return fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil
	}

	events := newSpeakEvents()
	wsOpts := &clientinterfaces.WSSpeakOptions{
		Model:      d.opts.Model,
		Encoding:   "linear16",
		SampleRate: d.opts.SampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, wsOpts, events)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		log.Printf("deepgram: flush error: %v", err)
	}

	// idle starts at the full deadline so it cannot fire before first audio
	idle := time.NewTimer(d.opts.Deadline)
	defer idle.Stop()
	deadline := time.NewTimer(d.opts.Deadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-events.audio:
			select {
			case pcmCh <- b:
			case <-ctx.Done():
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.opts.IdleWindow)
		case <-events.failed:
			return fmt.Errorf("deepgram: server reported an error")
		case <-idle.C:
			return nil
		case <-deadline.C:
			return nil
		}
	}
}

// speakEvents adapts the SDK's callback surface to channels so the stream
// loop above can select over audio, failure and timers.
type speakEvents struct {
	audio  chan []byte
	failed chan struct{}
}

func newSpeakEvents() *speakEvents {
	return &speakEvents{
		audio:  make(chan []byte, 256),
		failed: make(chan struct{}, 1),
	}
}

func (e *speakEvents) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case e.audio <- b:
	default:
		// receiver stalled: shed rather than block the SDK reader
	}
	return nil
}

func (e *speakEvents) Error(*msginterfaces.ErrorResponse) error {
	select {
	case e.failed <- struct{}{}:
	default:
	}
	return nil
}

func (e *speakEvents) Open(*msginterfaces.OpenResponse) error         { return nil }
func (e *speakEvents) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (e *speakEvents) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (e *speakEvents) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (e *speakEvents) Close(*msginterfaces.CloseResponse) error       { return nil }
func (e *speakEvents) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (e *speakEvents) UnhandledEvent([]byte) error                    { return nil }
