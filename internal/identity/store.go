// Package identity persists face identities: a record with profile metadata and
// a feature vector used for cosine-similarity matching.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultThreshold is the minimum cosine similarity for an embedding to match
// an existing identity.
const DefaultThreshold = 0.6

// Record holds profile metadata for one identity handle.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a file-backed identity record store. All operations are safe for
// concurrent use.
type Store struct {
	dir string

	mu         sync.Mutex
	records    map[string]Record
	embeddings map[string][]float32
}

// NewStore creates a store rooted at dir. Call Load before use.
func NewStore(dir string) *Store {
	return &Store{
		dir:        dir,
		records:    make(map[string]Record),
		embeddings: make(map[string][]float32),
	}
}

func (s *Store) recordsPath() string    { return filepath.Join(s.dir, "identities.json") }
func (s *Store) embeddingsPath() string { return filepath.Join(s.dir, "embeddings.json") }

// Load reads persisted records and embeddings from disk, creating the storage
// directory if needed.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("identity store: create dir: %w", err)
	}
	if data, err := os.ReadFile(s.recordsPath()); err == nil {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return fmt.Errorf("identity store: parse records: %w", err)
		}
	}
	if data, err := os.ReadFile(s.embeddingsPath()); err == nil {
		if err := json.Unmarshal(data, &s.embeddings); err != nil {
			return fmt.Errorf("identity store: parse embeddings: %w", err)
		}
	}
	log.Printf("identity store: loaded %d identities", len(s.records))
	return nil
}

// save persists both files. Callers must hold s.mu.
func (s *Store) save() {
	if data, err := json.MarshalIndent(s.records, "", "  "); err == nil {
		if werr := os.WriteFile(s.recordsPath(), data, 0o644); werr != nil {
			log.Printf("identity store: write records: %v", werr)
		}
	}
	if data, err := json.Marshal(s.embeddings); err == nil {
		if werr := os.WriteFile(s.embeddingsPath(), data, 0o644); werr != nil {
			log.Printf("identity store: write embeddings: %v", werr)
		}
	}
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Find returns the best-matching identity handle above threshold, if any.
func (s *Store) Find(embedding []float32, threshold float64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestID := ""
	bestScore := threshold
	for id, stored := range s.embeddings {
		if score := cosineSimilarity(embedding, stored); score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	return bestID, bestID != ""
}

// Create registers a new identity for the embedding and returns its handle.
func (s *Store) Create(embedding []float32) string {
	u := uuid.New()
	id := "id-" + hex.EncodeToString(u[:4])

	s.mu.Lock()
	s.records[id] = Record{ID: id, CreatedAt: time.Now().UTC()}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	s.embeddings[id] = emb
	s.save()
	s.mu.Unlock()

	log.Printf("identity store: created %s", id)
	return id
}

// GetOrCreate matches the embedding against known identities, creating a new
// one when nothing clears the threshold. The bool reports whether it is new.
func (s *Store) GetOrCreate(embedding []float32, threshold float64) (string, bool) {
	if id, ok := s.Find(embedding, threshold); ok {
		return id, false
	}
	return s.Create(embedding), true
}

// Get returns the record for an identity handle.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// All returns every known identity handle.
func (s *Store) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
