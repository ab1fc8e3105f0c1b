// Package stream splits streamed model output into thinking and content
// segments and measures throughput for one test.
package stream

import (
	"strings"
	"time"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/model"
)

// DefaultTags are recognised when no tag pairs are configured.
var DefaultTags = []model.TagPair{
	{Open: "<thinking>", Close: "</thinking>"},
	{Open: "<think>", Close: "</think>"},
}

type Option func(*Processor)

// WithTags replaces the recognised tag pairs. Pairs with an empty open or
// close delimiter are ignored.
func WithTags(tags ...model.TagPair) Option {
	return func(p *Processor) {
		usable := slices.Filter(tags, func(t model.TagPair) bool { return t.Open != "" && t.Close != "" })
		if len(usable) > 0 {
			p.tags = usable
		}
	}
}

func WithTokenCounter(c TokenCounter) Option {
	return func(p *Processor) {
		if c != nil {
			p.counter = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

type segment struct {
	kind model.FrameKind
	text strings.Builder
}

// Processor is not safe for concurrent use. Create one per test.
type Processor struct {
	parseTags bool
	tags      []model.TagPair
	counter   TokenCounter
	now       func() time.Time

	started    time.Time
	firstChunk time.Time
	gotChunk   bool
	finished   bool

	// pending holds a suffix that may be the start of a delimiter.
	pending    string
	inThinking bool
	active     int
	split      bool

	segments []*segment
	touched  []int
	raw      strings.Builder
}

func NewProcessor(parseThinkingTags bool, opts ...Option) *Processor {
	p := &Processor{
		parseTags: parseThinkingTags,
		tags:      DefaultTags,
		counter:   ApproxCounter{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.started = p.now()
	return p
}

// Feed consumes one chunk and returns a frame for every segment it changed.
// Each frame carries the segment's full text so far.
func (p *Processor) Feed(chunk string) []model.ResultFrame {
	if chunk == "" || p.finished {
		return nil
	}
	if !p.gotChunk {
		p.firstChunk = p.now()
		p.gotChunk = true
	}
	p.raw.WriteString(chunk)

	if !p.parseTags {
		p.write(model.FrameContent, chunk)
		return p.flushTouched()
	}

	buf := p.pending + chunk
	p.pending = ""
	for buf != "" {
		if p.inThinking {
			closeTag := p.tags[p.active].Close
			if i := strings.Index(buf, closeTag); i >= 0 {
				p.write(model.FrameThinking, buf[:i])
				p.inThinking = false
				p.split = true
				buf = buf[i+len(closeTag):]
				continue
			}
			keep := partialSuffix(buf, closeTag)
			p.write(model.FrameThinking, buf[:len(buf)-keep])
			p.pending = buf[len(buf)-keep:]
			break
		}

		if i, pair := p.findOpen(buf); i >= 0 {
			p.write(model.FrameContent, buf[:i])
			p.inThinking = true
			p.active = pair
			p.split = true
			buf = buf[i+len(p.tags[pair].Open):]
			continue
		}
		keep := 0
		for _, tag := range p.tags {
			keep = max(keep, partialSuffix(buf, tag.Open))
		}
		p.write(model.FrameContent, buf[:len(buf)-keep])
		p.pending = buf[len(buf)-keep:]
		break
	}
	return p.flushTouched()
}

// Finish flushes any held partial delimiter as literal text and computes the
// stream metrics. Further Feed calls are ignored.
func (p *Processor) Finish() ([]model.ResultFrame, model.StreamMetrics) {
	if p.finished {
		return nil, p.metrics(p.now())
	}
	p.finished = true
	if p.pending != "" {
		kind := model.FrameContent
		if p.inThinking {
			kind = model.FrameThinking
		}
		p.write(kind, p.pending)
		p.pending = ""
	}
	return p.flushTouched(), p.metrics(p.now())
}

// Content is the non-thinking text in stream order, exactly as received
// minus the thinking blocks. This is the text rules see.
func (p *Processor) Content() string {
	return p.join(model.FrameContent, "")
}

// Thinking joins the thinking blocks, one per line.
func (p *Processor) Thinking() string {
	return p.join(model.FrameThinking, "\n")
}

// RawText is every chunk as received, tags included.
func (p *Processor) RawText() string {
	return p.raw.String()
}

func (p *Processor) join(kind model.FrameKind, sep string) string {
	var parts []string
	for _, seg := range p.segments {
		if seg.kind == kind {
			parts = append(parts, seg.text.String())
		}
	}
	return strings.Join(parts, sep)
}

func (p *Processor) findOpen(buf string) (int, int) {
	best, pair := -1, -1
	for i, tag := range p.tags {
		idx := strings.Index(buf, tag.Open)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best || (idx == best && len(tag.Open) > len(p.tags[pair].Open)) {
			best, pair = idx, i
		}
	}
	return best, pair
}

func (p *Processor) write(kind model.FrameKind, text string) {
	if text == "" {
		return
	}
	n := len(p.segments)
	if n == 0 || p.split || p.segments[n-1].kind != kind {
		p.segments = append(p.segments, &segment{kind: kind})
		n++
		p.split = false
	}
	p.segments[n-1].text.WriteString(text)
	if len(p.touched) == 0 || p.touched[len(p.touched)-1] != n-1 {
		p.touched = append(p.touched, n-1)
	}
}

func (p *Processor) flushTouched() []model.ResultFrame {
	if len(p.touched) == 0 {
		return nil
	}
	frames := make([]model.ResultFrame, 0, len(p.touched))
	for _, idx := range p.touched {
		seg := p.segments[idx]
		if seg.kind == model.FrameThinking {
			frames = append(frames, model.ThinkingFrame(idx, seg.text.String()))
		} else {
			frames = append(frames, model.ContentFrame(idx, seg.text.String()))
		}
	}
	p.touched = p.touched[:0]
	return frames
}

func (p *Processor) metrics(end time.Time) model.StreamMetrics {
	m := model.StreamMetrics{
		Duration: end.Sub(p.started),
		Tokens:   p.counter.Count(p.raw.String()),
	}
	if !p.gotChunk {
		return m
	}
	m.FirstChunkLatency = p.firstChunk.Sub(p.started)

	window := end.Sub(p.firstChunk)
	if window <= 0 {
		window = m.Duration
	}
	if window > 0 {
		m.TokensPerSecond = float64(m.Tokens) / window.Seconds()
	}
	return m
}

// partialSuffix returns the length of the longest suffix of buf that is a
// proper prefix of delim.
func partialSuffix(buf, delim string) int {
	for k := min(len(buf), len(delim)-1); k > 0; k-- {
		if strings.HasSuffix(buf, delim[:k]) {
			return k
		}
	}
	return 0
}
