// Package capture narrows the external audio/video recorder to what the
// pipeline needs. The recorder's internals (devices, ring buffers, on-disk
// staging) are out of scope; it hands over finished utterances and encoded
// video frames.
package capture

import "time"

// Utterance is one finished speech recording ready to ship upstream.
type Utterance struct {
	Audio    []byte
	Format   string
	Duration time.Duration
}

// Recorder is the capture collaborator. StartAudio/StopAudio are idempotent.
type Recorder interface {
	StartAudio()
	StopAudio()
	// SpeechEvents delivers finished utterances. The channel is closed when
	// the recorder shuts down.
	SpeechEvents() <-chan Utterance
	// LatestFrame returns the most recent encoded camera frame, if any.
	LatestFrame() ([]byte, bool)
	// FramesForDuration returns the buffered frames covering the trailing window.
	FramesForDuration(d time.Duration) [][]byte
}

// NopRecorder satisfies Recorder with no capture hardware attached.
type NopRecorder struct{ events chan Utterance }

func NewNopRecorder() *NopRecorder {
	return &NopRecorder{events: make(chan Utterance)}
}

func (*NopRecorder) StartAudio()                              {}
func (*NopRecorder) StopAudio()                               {}
func (r *NopRecorder) SpeechEvents() <-chan Utterance         { return r.events }
func (*NopRecorder) LatestFrame() ([]byte, bool)              { return nil, false }
func (*NopRecorder) FramesForDuration(time.Duration) [][]byte { return nil }
