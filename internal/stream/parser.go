package stream

import (
	"strconv"
	"strings"
)

// TagKind distinguishes the inline control directives the model can embed.
type TagKind string

const (
	TagEmotion TagKind = "emotion"
	TagAnimate TagKind = "animate"
)

// Tag is an inline control directive extracted from the token stream.
// Position is the rune length of the clean text accumulated when the tag closed.
type Tag struct {
	Kind     TagKind
	Value    string
	Delay    *float64
	Position int
}

// Listener receives parser events as they are proven from the input.
// Implementations must not block; the parser calls them inline from Feed.
type Listener interface {
	OnText(text string)
	OnTag(tag Tag)
	OnThinkStart()
	OnThinkEnd(content string)
	OnFunctionCall(content string)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnText(string)         {}
func (NopListener) OnTag(Tag)             {}
func (NopListener) OnThinkStart()         {}
func (NopListener) OnThinkEnd(string)     {}
func (NopListener) OnFunctionCall(string) {}

// Result is the final parse outcome returned by Finish.
type Result struct {
	Text          string
	Tags          []Tag
	FunctionCalls []string
}

type state int

const (
	stateNormal state = iota
	stateInTag
	stateMaybeMarker
	stateInMarker
)

// marker is a candidate angle-bracket literal and its closing counterpart.
// Shared-prefix matching over this table decides whether a '<' run opens a
// marker or is plain text.
type marker struct {
	open  string
	close string
	think bool
}

var markers = []marker{
	{open: "<think>", close: "</think>", think: true},
	{open: "<function_call>", close: "</function_call>"},
}

// Parser consumes an incremental token stream character by character,
// separating clean text from tags, think blocks and function-call blocks.
// It is not safe for concurrent use; feed it from a single goroutine.
type Parser struct {
	listener Listener

	st         state
	active     *marker
	tagBuf     strings.Builder
	markerBuf  string
	blockBuf   strings.Builder
	clean      strings.Builder
	cleanRunes int
	tags       []Tag
	functions  []string
}

// NewParser constructs a parser delivering events to the given listener.
// A nil listener is replaced by NopListener.
func NewParser(l Listener) *Parser {
	if l == nil {
		l = NopListener{}
	}
	return &Parser{listener: l}
}

// Reset returns the parser to its initial state, dropping all buffers and results.
func (p *Parser) Reset() {
	p.st = stateNormal
	p.active = nil
	p.tagBuf.Reset()
	p.markerBuf = ""
	p.blockBuf.Reset()
	p.clean.Reset()
	p.cleanRunes = 0
	p.tags = nil
	p.functions = nil
}

// Feed consumes an arbitrary-length fragment and emits everything provable so far.
func (p *Parser) Feed(fragment string) {
	for _, r := range fragment {
		p.processRune(r)
	}
}

func (p *Parser) processRune(r rune) {
	switch p.st {
	case stateInMarker:
		p.handleInMarker(r)
	case stateInTag:
		p.handleInTag(r)
	case stateMaybeMarker:
		p.handleMaybeMarker(r)
	default:
		p.handleNormal(r)
	}
}

func (p *Parser) handleNormal(r rune) {
	switch r {
	case '|':
		p.st = stateInTag
		p.tagBuf.Reset()
	case '<':
		p.markerBuf = "<"
		p.st = stateMaybeMarker
	default:
		p.emitText(string(r))
	}
}

func (p *Parser) handleInTag(r rune) {
	if r == '|' {
		p.parseAndEmitTag(p.tagBuf.String())
		p.tagBuf.Reset()
		p.st = stateNormal
		return
	}
	p.tagBuf.WriteRune(r)
}

func (p *Parser) handleMaybeMarker(r rune) {
	p.markerBuf += string(r)

	for i := range markers {
		if p.markerBuf == markers[i].open {
			p.active = &markers[i]
			p.blockBuf.Reset()
			p.markerBuf = ""
			p.st = stateInMarker
			if markers[i].think {
				p.listener.OnThinkStart()
			}
			return
		}
	}
	for i := range markers {
		if strings.HasPrefix(markers[i].open, p.markerBuf) {
			return // still ambiguous, await more input
		}
	}
	// Not a marker prefix: the buffered run is plain text. It is emitted
	// through the text path only, never re-scanned for new markers.
	p.emitText(p.markerBuf)
	p.markerBuf = ""
	p.st = stateNormal
}

func (p *Parser) handleInMarker(r rune) {
	p.blockBuf.WriteRune(r)
	buf := p.blockBuf.String()
	if !strings.HasSuffix(buf, p.active.close) {
		return
	}
	content := buf[:len(buf)-len(p.active.close)]
	think := p.active.think
	p.blockBuf.Reset()
	p.active = nil
	p.st = stateNormal
	if think {
		p.listener.OnThinkEnd(content)
		return
	}
	p.functions = append(p.functions, content)
	p.listener.OnFunctionCall(content)
}

func (p *Parser) emitText(text string) {
	p.clean.WriteString(text)
	p.cleanRunes += len([]rune(text))
	p.listener.OnText(text)
}

// parseAndEmitTag interprets the body between two '|' delimiters.
// Unparseable content is dropped without emitting text or a tag.
func (p *Parser) parseAndEmitTag(content string) {
	content = strings.ReplaceAll(content, `\"`, `"`)

	var tag *Tag
	switch {
	case strings.HasPrefix(content, `emotion="`) && strings.HasSuffix(content, `"`) && len(content) > len(`emotion="`):
		tag = &Tag{Kind: TagEmotion, Value: content[len(`emotion="`) : len(content)-1]}
	case strings.HasPrefix(content, `animate="`):
		if idx := strings.Index(content, `:OnDelay(`); idx >= 0 {
			head := content[:idx]
			if !strings.HasSuffix(head, `"`) || len(head) <= len(`animate="`) {
				break
			}
			value := head[len(`animate="`) : len(head)-1]
			delayStr := strings.TrimRight(content[idx+len(`:OnDelay(`):], `)"`)
			if d, err := strconv.ParseFloat(delayStr, 64); err == nil {
				tag = &Tag{Kind: TagAnimate, Value: value, Delay: &d}
			} else {
				tag = &Tag{Kind: TagAnimate, Value: value}
			}
		} else if strings.HasSuffix(content, `"`) && len(content) > len(`animate="`) {
			tag = &Tag{Kind: TagAnimate, Value: content[len(`animate="`) : len(content)-1]}
		}
	}

	if tag == nil {
		return
	}
	tag.Position = p.cleanRunes
	p.tags = append(p.tags, *tag)
	p.listener.OnTag(*tag)
}

// Finish flushes a pending ambiguous-prefix buffer as literal text and returns
// the final result. Content stranded inside an unterminated tag, think block or
// function-call block is dropped: those regions were never clean text, and
// surfacing half a control structure to speech output would be worse than
// losing it.
func (p *Parser) Finish() Result {
	if p.st == stateMaybeMarker && p.markerBuf != "" {
		p.emitText(p.markerBuf)
		p.markerBuf = ""
		p.st = stateNormal
	}
	return p.Result()
}

// Result returns the parse outcome accumulated so far.
func (p *Parser) Result() Result {
	return Result{
		Text:          p.clean.String(),
		Tags:          p.tags,
		FunctionCalls: p.functions,
	}
}
