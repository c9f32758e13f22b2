package stream

import (
	"strings"
	"testing"
)

// recordingListener captures every event in arrival order.
type recordingListener struct {
	texts     []string
	tags      []Tag
	events    []string
	thinkends []string
	functions []string
}

func (r *recordingListener) OnText(t string) {
	r.texts = append(r.texts, t)
	r.events = append(r.events, "text:"+t)
}
func (r *recordingListener) OnTag(tag Tag) {
	r.tags = append(r.tags, tag)
	r.events = append(r.events, "tag:"+string(tag.Kind))
}
func (r *recordingListener) OnThinkStart() { r.events = append(r.events, "think_start") }
func (r *recordingListener) OnThinkEnd(c string) {
	r.thinkends = append(r.thinkends, c)
	r.events = append(r.events, "think_end:"+c)
}
func (r *recordingListener) OnFunctionCall(c string) {
	r.functions = append(r.functions, c)
	r.events = append(r.events, "function:"+c)
}

func feedByRune(p *Parser, s string) {
	// Feeding one rune at a time exercises the worst-case fragmentation.
	for _, r := range s {
		p.Feed(string(r))
	}
}

func TestParser_EmotionTag(t *testing.T) {
	l := &recordingListener{}
	p := NewParser(l)
	p.Feed(`hello |emotion="happy"| world`)
	res := p.Finish()

	if res.Text != "hello  world" {
		t.Fatalf("clean text mismatch: %q", res.Text)
	}
	if len(res.Tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(res.Tags))
	}
	tag := res.Tags[0]
	if tag.Kind != TagEmotion || tag.Value != "happy" || tag.Position != 6 {
		t.Fatalf("unexpected tag: %+v", tag)
	}
	if tag.Delay != nil {
		t.Fatalf("emotion tag should carry no delay")
	}
}

func TestParser_AnimateTagWithDelay(t *testing.T) {
	p := NewParser(nil)
	p.Feed(`|animate="wave":OnDelay(1.5)|`)
	res := p.Finish()
	if len(res.Tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(res.Tags))
	}
	tag := res.Tags[0]
	if tag.Kind != TagAnimate || tag.Value != "wave" {
		t.Fatalf("unexpected tag: %+v", tag)
	}
	if tag.Delay == nil || *tag.Delay != 1.5 {
		t.Fatalf("expected delay 1.5, got %v", tag.Delay)
	}
}

func TestParser_AnimateTagNoDelay(t *testing.T) {
	p := NewParser(nil)
	p.Feed(`|animate="nod"|`)
	res := p.Finish()
	if len(res.Tags) != 1 || res.Tags[0].Value != "nod" || res.Tags[0].Delay != nil {
		t.Fatalf("unexpected result: %+v", res.Tags)
	}
}

func TestParser_UnparseableTagDropped(t *testing.T) {
	p := NewParser(nil)
	p.Feed("a|garbage|b")
	res := p.Finish()
	if res.Text != "ab" {
		t.Fatalf("tag delimiters must never surface as text, got %q", res.Text)
	}
	if len(res.Tags) != 0 {
		t.Fatalf("expected no tags, got %d", len(res.Tags))
	}
}

func TestParser_EscapedQuotesUnescaped(t *testing.T) {
	p := NewParser(nil)
	p.Feed(`|emotion=\"calm\"|`)
	res := p.Finish()
	if len(res.Tags) != 1 || res.Tags[0].Value != "calm" {
		t.Fatalf("expected escaped tag parsed, got %+v", res.Tags)
	}
}

func TestParser_ThinkBlock(t *testing.T) {
	l := &recordingListener{}
	p := NewParser(l)
	p.Feed("a<think>secret</think>b")
	res := p.Finish()

	if res.Text != "ab" {
		t.Fatalf("think content leaked into clean text: %q", res.Text)
	}
	if len(l.thinkends) != 1 || l.thinkends[0] != "secret" {
		t.Fatalf("expected think end with content, got %v", l.thinkends)
	}
	// think_start must precede the content delivery
	startIdx, endIdx := -1, -1
	for i, e := range l.events {
		if e == "think_start" && startIdx < 0 {
			startIdx = i
		}
		if strings.HasPrefix(e, "think_end:") {
			endIdx = i
		}
	}
	if startIdx < 0 || endIdx < 0 || startIdx >= endIdx {
		t.Fatalf("expected think_start before think_end, events=%v", l.events)
	}
}

func TestParser_FunctionCallBlock(t *testing.T) {
	l := &recordingListener{}
	p := NewParser(l)
	feedByRune(p, `x<function_call>{"name":"wave"}</function_call>y`)
	res := p.Finish()

	if res.Text != "xy" {
		t.Fatalf("unexpected clean text: %q", res.Text)
	}
	if len(res.FunctionCalls) != 1 || res.FunctionCalls[0] != `{"name":"wave"}` {
		t.Fatalf("unexpected function calls: %v", res.FunctionCalls)
	}
	if len(l.functions) != 1 {
		t.Fatalf("expected function-call notification")
	}
}

func TestParser_UnterminatedPrefixFlushed(t *testing.T) {
	p := NewParser(nil)
	p.Feed("abc<thi")
	res := p.Finish()
	if !strings.HasSuffix(res.Text, "<thi") {
		t.Fatalf("unterminated prefix should flush verbatim, got %q", res.Text)
	}
}

func TestParser_NonMarkerAngleBracket(t *testing.T) {
	p := NewParser(nil)
	p.Feed("1 < 2 and <tag> too")
	res := p.Finish()
	if res.Text != "1 < 2 and <tag> too" {
		t.Fatalf("plain angle brackets must pass through, got %q", res.Text)
	}
}

func TestParser_UnterminatedBlockDroppedAtFinish(t *testing.T) {
	p := NewParser(nil)
	p.Feed("ok<think>half finished")
	res := p.Finish()
	if res.Text != "ok" {
		t.Fatalf("unterminated think content must be dropped, got %q", res.Text)
	}
}

func TestParser_FragmentedAcrossFeeds(t *testing.T) {
	l := &recordingListener{}
	p := NewParser(l)
	feedByRune(p, `hi |emotion="joy"| there<think>τ</think>!`)
	res := p.Finish()
	if res.Text != "hi  there!" {
		t.Fatalf("unexpected clean text: %q", res.Text)
	}
	if len(res.Tags) != 1 || res.Tags[0].Value != "joy" {
		t.Fatalf("unexpected tags: %+v", res.Tags)
	}
	if len(l.thinkends) != 1 || l.thinkends[0] != "τ" {
		t.Fatalf("unexpected think content: %v", l.thinkends)
	}
}

func TestParser_CleanTextNeverContainsMarkers(t *testing.T) {
	inputs := []string{
		`a|emotion="x"|b<think>t</think>c<function_call>f</function_call>d`,
		"<think></think>",
		"|animate=\"a\"|<funct",
		"a<function_call>x</function_call><think>y</think>",
	}
	for _, in := range inputs {
		p := NewParser(nil)
		p.Feed(in)
		res := p.Finish()
		for _, bad := range []string{"<think>", "</think>", "<function_call>", "</function_call>"} {
			if strings.Contains(res.Text, bad) {
				t.Fatalf("input %q: clean text contains marker %q: %q", in, bad, res.Text)
			}
		}
	}
}

func TestParser_ResetClearsEverything(t *testing.T) {
	p := NewParser(nil)
	p.Feed(`abc|emotion="x"|<think>`)
	p.Reset()
	p.Feed("fresh")
	res := p.Finish()
	if res.Text != "fresh" || len(res.Tags) != 0 || len(res.FunctionCalls) != 0 {
		t.Fatalf("reset did not clear state: %+v", res)
	}
}

func TestParser_TagPositionTracksRunes(t *testing.T) {
	p := NewParser(nil)
	p.Feed(`héllo|emotion="x"|`)
	res := p.Finish()
	if len(res.Tags) != 1 || res.Tags[0].Position != 5 {
		t.Fatalf("position should count runes, got %+v", res.Tags)
	}
}
