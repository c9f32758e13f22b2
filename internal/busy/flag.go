// Package busy exposes the upstream-generating signal both in-process and to
// external processes through a filesystem marker.
package busy

import (
	"log"
	"os"
	"sync/atomic"
)

// Flag is a single-writer, multi-reader busy signal. The in-process state is
// authoritative; the marker file mirrors it for external pollers.
type Flag struct {
	path string
	set  atomic.Bool
}

// NewFlag creates a flag backed by the marker at path. An empty path disables
// the filesystem mirror.
func NewFlag(path string) *Flag {
	return &Flag{path: path}
}

// Set raises the signal and creates the marker file.
func (f *Flag) Set() {
	f.set.Store(true)
	if f.path == "" {
		return
	}
	if err := os.WriteFile(f.path, nil, 0o644); err != nil {
		log.Printf("busy flag: create marker: %v", err)
	}
}

// Clear lowers the signal and removes the marker file.
func (f *Flag) Clear() {
	f.set.Store(false)
	if f.path == "" {
		return
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		log.Printf("busy flag: remove marker: %v", err)
	}
}

// IsSet reports the in-process state.
func (f *Flag) IsSet() bool { return f.set.Load() }
