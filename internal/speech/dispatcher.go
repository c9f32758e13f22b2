// Package speech serializes sentence playback: buffered clean text is split at
// sentence boundaries and spoken strictly in order by a single consumer loop.
package speech

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
)

// Speaker performs playback of one sentence chunk. Speak must not return until
// the chunk has finished playing (or ctx is canceled).
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Placeholders are byte-length preserving so boundary indexes found in the
// substituted text map directly back into the original buffer.
const (
	ellipsisPlaceholder = "\x00\x00\x00"
	decimalPlaceholder  = "\x01"
	abbrevPlaceholder   = "\x02"
)

var (
	boundaryRe = regexp.MustCompile(`[.!?。！？]`)
	decimalRe  = regexp.MustCompile(`(\d)\.(\d)`)
	abbrevRe   = regexp.MustCompile(`\b(Dr|Mr|Mrs|Ms|Prof|St|Jr|Sr|vs|etc)\.`)
)

// Dispatcher buffers clean text, extracts complete sentences, and feeds a FIFO
// queue consumed by one background speaker loop.
type Dispatcher struct {
	speaker Speaker

	mu         sync.Mutex
	buf        string
	chunkCount int
	speaking   bool

	qmu    sync.Mutex
	queue  []string
	notify chan struct{}

	pending sync.WaitGroup

	startOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewDispatcher constructs a dispatcher over the given speaker.
func NewDispatcher(speaker Speaker) *Dispatcher {
	return &Dispatcher{
		speaker: speaker,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the speaker loop. Subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() { go d.speakerLoop(ctx) })
}

// Stop terminates the speaker loop and waits for it to exit. A chunk already
// playing is allowed to finish; queued chunks are discarded.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

// FeedText appends to the sentence buffer and enqueues every complete sentence
// found. It never blocks on playback.
func (d *Dispatcher) FeedText(text string) {
	d.mu.Lock()
	d.buf += text
	for {
		sentence, rest, ok := splitSentence(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		if len(sentence) > 1 {
			d.enqueue(sentence)
		}
	}
	d.mu.Unlock()
}

// splitSentence finds the first sentence boundary in buffer: a terminator
// followed immediately by whitespace, ignoring ellipses, decimal points and
// title abbreviations.
func splitSentence(buffer string) (sentence, rest string, ok bool) {
	if len(buffer) < 2 {
		return "", buffer, false
	}
	temp := strings.ReplaceAll(buffer, "...", ellipsisPlaceholder)
	temp = decimalRe.ReplaceAllString(temp, "${1}"+decimalPlaceholder+"${2}")
	temp = abbrevRe.ReplaceAllString(temp, "${1}"+abbrevPlaceholder)

	for _, loc := range boundaryRe.FindAllStringIndex(temp, -1) {
		end := loc[1]
		if end >= len(temp) {
			break // terminator at end of buffer: wait for more input
		}
		switch temp[end] {
		case ' ', '\n', '\t', '\r':
			sentence = strings.TrimSpace(buffer[:end])
			rest = strings.TrimLeft(buffer[end:], " \n\t\r")
			return sentence, rest, true
		}
	}
	return "", buffer, false
}

func (d *Dispatcher) enqueue(sentence string) {
	d.pending.Add(1)
	d.qmu.Lock()
	d.queue = append(d.queue, sentence)
	d.qmu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dequeue() (string, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if len(d.queue) == 0 {
		return "", false
	}
	s := d.queue[0]
	d.queue = d.queue[1:]
	return s, true
}

// discardQueued drops every not-yet-played chunk.
func (d *Dispatcher) discardQueued() {
	d.qmu.Lock()
	n := len(d.queue)
	d.queue = nil
	d.qmu.Unlock()
	for i := 0; i < n; i++ {
		d.pending.Done()
	}
}

func (d *Dispatcher) speakerLoop(ctx context.Context) {
	defer close(d.doneCh)
	defer d.discardQueued()
	for {
		sentence, ok := d.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notify:
				continue
			}
		}
		d.playChunk(ctx, sentence)
	}
}

func (d *Dispatcher) playChunk(ctx context.Context, sentence string) {
	d.mu.Lock()
	d.speaking = true
	d.chunkCount++
	n := d.chunkCount
	d.mu.Unlock()

	log.Printf("speech: chunk %d: %s", n, sentence)
	if err := d.speaker.Speak(ctx, sentence); err != nil {
		log.Printf("speech: playback error: %v", err)
	}

	d.mu.Lock()
	d.speaking = false
	d.mu.Unlock()
	d.pending.Done()
}

// Flush pushes any leftover buffered text as a final chunk and blocks until
// every chunk pushed before the call has finished playback.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	rest := strings.TrimSpace(d.buf)
	d.buf = ""
	d.mu.Unlock()
	if rest != "" {
		d.enqueue(rest)
	}

	d.pending.Wait()

	d.mu.Lock()
	if d.chunkCount > 0 {
		log.Printf("speech: queue drained after %d chunks", d.chunkCount)
	}
	d.chunkCount = 0
	d.mu.Unlock()
}

// Reset clears the buffer and counters and discards any queued backlog without
// waiting. A chunk already playing finishes on its own.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.buf = ""
	d.chunkCount = 0
	d.mu.Unlock()
	d.discardQueued()
}

// IsSpeaking reports whether a chunk is currently being played.
func (d *Dispatcher) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}
