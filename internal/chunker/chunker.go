// Package chunker splits source code and regulatory text into
// content-addressed units sized for embedding.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Config controls chunk sizing, in tokens.
type Config struct {
	MaxTokens int
	MinTokens int
}

// DefaultConfig provides sane defaults for chunking.
func DefaultConfig() Config {
	return Config{
		MaxTokens: 512,
		MinTokens: 16,
	}
}

// Chunker cuts sources on structural boundaries and falls back to
// paragraphs, then whitespace-aligned windows.
type Chunker struct {
	cfg     Config
	counter TokenCounter
}

// New creates a Chunker. A nil counter uses EstimateCounter.
func New(cfg Config, counter TokenCounter) *Chunker {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MinTokens < 0 || cfg.MinTokens >= cfg.MaxTokens {
		cfg.MinTokens = def.MinTokens
		if cfg.MinTokens >= cfg.MaxTokens {
			cfg.MinTokens = 0
		}
	}
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Chunker{cfg: cfg, counter: counter}
}

// segment is a contiguous run of lines, one-based and inclusive.
type segment struct {
	start   int
	end     int
	section string
	text    string
}

// Chunk splits text into chunks for the given corpus partition and source.
// Chunk IDs are left empty; storage assigns them.
func (c *Chunker) Chunk(corpus domain.Corpus, corpusID, sourceID, text string) ([]domain.Chunk, error) {
	if !domain.IsValidCorpus(corpus) {
		return nil, domain.ErrInvalidCorpus
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptySource
	}

	var segs []segment
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		segs = []segment{wholeSource(text)}
	} else {
		segs = c.split(corpus, sourceID, text)
	}

	chunks := make([]domain.Chunk, 0, len(segs))
	for _, s := range segs {
		ch := domain.NewChunk("", corpus, corpusID, sourceID,
			domain.Locator{StartLine: s.start, EndLine: s.end, Section: s.section},
			s.text, Hash(s.text))
		chunks = append(chunks, *ch)
	}
	return chunks, nil
}

// wholeSource degrades malformed input to a single chunk.
func wholeSource(text string) segment {
	clean := strings.ToValidUTF8(text, "�")
	clean = strings.ReplaceAll(clean, "\x00", "")
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	return segment{
		start: 1,
		end:   strings.Count(clean, "\n") + 1,
		text:  strings.TrimSpace(clean),
	}
}

func (c *Chunker) split(corpus domain.Corpus, sourceID, text string) []segment {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var bounds []boundary
	if corpus == domain.CorpusRegulation {
		bounds = sectionBoundaries(lines)
	} else {
		bounds = codeBoundaries(lines, LanguageOf(sourceID))
	}

	units := unitsFromBoundaries(lines, bounds)

	var out []segment
	for _, u := range units {
		if c.counter.Count(u.text) <= c.cfg.MaxTokens {
			out = append(out, u)
			continue
		}
		for _, p := range c.paragraphs(lines, u) {
			if c.counter.Count(p.text) <= c.cfg.MaxTokens {
				out = append(out, p)
				continue
			}
			out = append(out, c.window(p)...)
		}
	}
	return c.mergeSmall(lines, out)
}

// unitsFromBoundaries cuts lines at each boundary. Lines before the first
// boundary form their own unit.
func unitsFromBoundaries(lines []string, bounds []boundary) []segment {
	starts := make([]boundary, 0, len(bounds)+1)
	if len(bounds) == 0 || bounds[0].line > 0 {
		starts = append(starts, boundary{line: 0})
	}
	starts = append(starts, bounds...)

	var out []segment
	for i, b := range starts {
		end := len(lines) - 1
		if i+1 < len(starts) {
			end = starts[i+1].line - 1
		}
		if s, ok := makeSegment(lines, b.line, end, b.name); ok {
			out = append(out, s)
		}
	}
	return out
}

// makeSegment trims blank edge lines from [from, to] (zero-based).
func makeSegment(lines []string, from, to int, section string) (segment, bool) {
	for from <= to && strings.TrimSpace(lines[from]) == "" {
		from++
	}
	for to >= from && strings.TrimSpace(lines[to]) == "" {
		to--
	}
	if from > to {
		return segment{}, false
	}
	return segment{
		start:   from + 1,
		end:     to + 1,
		section: section,
		text:    strings.Join(lines[from:to+1], "\n"),
	}, true
}

// paragraphs packs blank-line separated runs of u greedily up to MaxTokens.
func (c *Chunker) paragraphs(lines []string, u segment) []segment {
	var paras []segment
	from := u.start - 1
	for i := u.start - 1; i <= u.end-1; i++ {
		if strings.TrimSpace(lines[i]) == "" {
			if s, ok := makeSegment(lines, from, i-1, u.section); ok {
				paras = append(paras, s)
			}
			from = i + 1
		}
	}
	if s, ok := makeSegment(lines, from, u.end-1, u.section); ok {
		paras = append(paras, s)
	}

	var out []segment
	var cur *segment
	for _, p := range paras {
		if cur != nil {
			joined := strings.Join(lines[cur.start-1:p.end], "\n")
			if c.counter.Count(joined) <= c.cfg.MaxTokens {
				cur.end = p.end
				cur.text = joined
				continue
			}
			out = append(out, *cur)
		}
		cur = &p
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// window splits an oversized segment into whitespace-aligned rune windows.
func (c *Chunker) window(s segment) []segment {
	runes := []rune(s.text)
	tokens := c.counter.Count(s.text)
	size := len(runes) * c.cfg.MaxTokens / tokens
	if size < 1 {
		size = 1
	}
	minCut := size / 3

	var out []segment
	line := s.start
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			cut := end
			for i := end; i > start+minCut; i-- {
				if unicode.IsSpace(runes[i-1]) {
					cut = i
					break
				}
			}
			end = cut
		}

		raw := string(runes[start:end])
		lead := len(raw) - len(strings.TrimLeft(raw, " \t\n"))
		piece := strings.TrimSpace(raw)
		first := line + strings.Count(raw[:lead], "\n")
		if piece != "" {
			out = append(out, segment{
				start:   first,
				end:     first + strings.Count(piece, "\n"),
				section: s.section,
				text:    piece,
			})
		}
		line += strings.Count(raw, "\n")
		start = end
	}
	return out
}

// mergeSmall folds segments below MinTokens into their successor when the
// result still fits. A trailing small segment folds into its predecessor.
func (c *Chunker) mergeSmall(lines []string, segs []segment) []segment {
	if c.cfg.MinTokens <= 0 || len(segs) < 2 {
		return segs
	}

	join := func(a, b segment) segment {
		section := a.section
		if section == "" {
			section = b.section
		}
		return segment{
			start:   a.start,
			end:     b.end,
			section: section,
			text:    strings.Join(lines[a.start-1:b.end], "\n"),
		}
	}

	var out []segment
	for i := 0; i < len(segs); i++ {
		s := segs[i]
		for c.counter.Count(s.text) < c.cfg.MinTokens && i+1 < len(segs) && segs[i+1].start > s.end {
			merged := join(s, segs[i+1])
			if c.counter.Count(merged.text) > c.cfg.MaxTokens {
				break
			}
			s = merged
			i++
		}
		out = append(out, s)
	}

	if n := len(out); n >= 2 && c.counter.Count(out[n-1].text) < c.cfg.MinTokens {
		merged := join(out[n-2], out[n-1])
		if out[n-2].end < out[n-1].start && c.counter.Count(merged.text) <= c.cfg.MaxTokens {
			out = append(out[:n-2], merged)
		}
	}
	return out
}
