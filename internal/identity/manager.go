package identity

import (
	"log"

	"github.com/clover1417/Annie-Mie-Client/internal/detect"
)

// Result summarizes one identification pass over a frame.
type Result struct {
	DetectedIDs []string
	NewIDs      []string
	NumFaces    int
}

// Manager combines the face-detection collaborator with the identity store.
// A nil detector degrades every identification to an empty result.
type Manager struct {
	detector detect.FaceDetector
	store    *Store
}

// NewManager wires a detector (may be nil) to a store.
func NewManager(detector detect.FaceDetector, store *Store) *Manager {
	return &Manager{detector: detector, store: store}
}

// Available reports whether face detection can run.
func (m *Manager) Available() bool { return m.detector != nil }

// Store exposes the underlying record store.
func (m *Manager) Store() *Store { return m.store }

// IdentifyFaces detects faces in the encoded frame and resolves each to an
// identity handle, creating new identities for unknown faces. Detection
// failures yield an empty result rather than an error.
func (m *Manager) IdentifyFaces(frame []byte) Result {
	var res Result
	if m.detector == nil || len(frame) == 0 {
		return res
	}

	faces, err := m.detector.DetectFaces(frame)
	if err != nil {
		log.Printf("identity: face detection error: %v", err)
		return res
	}
	res.NumFaces = len(faces)
	for _, face := range faces {
		if len(face.Embedding) == 0 {
			continue
		}
		id, isNew := m.store.GetOrCreate(face.Embedding, DefaultThreshold)
		res.DetectedIDs = append(res.DetectedIDs, id)
		if isNew {
			res.NewIDs = append(res.NewIDs, id)
		}
	}
	if len(res.DetectedIDs) > 0 {
		log.Printf("identity: faces %v", res.DetectedIDs)
	}
	return res
}
