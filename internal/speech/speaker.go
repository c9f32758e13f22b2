package speech

import (
	"context"
	"log"
	"time"
)

// PCMSink consumes synthesized PCM and performs delivery. Implementations
// buffer internally and pace playback; FlushTail pads and drains the tail of
// one utterance.
type PCMSink interface {
	WritePCM(pcm []byte)
	FlushTail()
}

// PCMSpeaker plays one sentence by streaming synthesized PCM into a sink.
// Speak returns once the synthesizer stream ends and the sink tail is flushed.
type PCMSpeaker struct {
	synth Synthesizer
	sink  PCMSink
}

// NewPCMSpeaker wires a synthesizer to a playback sink.
func NewPCMSpeaker(synth Synthesizer, sink PCMSink) *PCMSpeaker {
	return &PCMSpeaker{synth: synth, sink: sink}
}

func (s *PCMSpeaker) Speak(ctx context.Context, text string) error {
	pcmCh, errCh := s.synth.StreamPCM(ctx, text)
	openPCM, openErr := true, true
	var streamErr error
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 {
				s.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil {
				streamErr = e
				log.Printf("speech: synth stream error: %v", e)
			}
		case <-ctx.Done():
			openPCM, openErr = false, false
		}
	}
	if ctx.Err() == nil {
		s.sink.FlushTail()
	}
	return streamErr
}

// TimedSpeaker simulates playback by sleeping proportionally to the text
// length. It is the degraded mode when no synthesizer is configured.
type TimedSpeaker struct {
	PerRune time.Duration
}

func (t TimedSpeaker) Speak(ctx context.Context, text string) error {
	per := t.PerRune
	if per <= 0 {
		per = 50 * time.Millisecond
	}
	d := time.Duration(len([]rune(text))) * per
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
