// Package detect declares the detection collaborators the pipeline consumes.
// The models behind them are external; each is a single synchronous call
// returning a semantic result, and absence degrades to a no-op.
package detect

import "image"

// Face is one detection result: a bounding box in frame coordinates, the
// feature vector used for identity matching, and the detector confidence.
type Face struct {
	Box       image.Rectangle
	Embedding []float32
	Score     float32
}

// FaceDetector finds faces in an encoded frame.
type FaceDetector interface {
	DetectFaces(frame []byte) ([]Face, error)
}

// SpeechDetector decides whether a captured utterance contains speech.
type SpeechDetector interface {
	IsSpeech(audio []byte) bool
}

// PassthroughSpeechDetector accepts everything. Used when no speech model is
// loaded so that capture keeps working, just without filtering.
type PassthroughSpeechDetector struct{}

func (PassthroughSpeechDetector) IsSpeech([]byte) bool { return true }
