// Package knowledge is a small in-memory index over a Markdown astrology
// primer. Sections are keyed by their heading and ranked against a query by
// Jaccard similarity of token sets: score = |Q ∩ S| / |Q ∪ S|.
//
// The index is immutable after construction and safe for concurrent use.
package knowledge

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

//go:embed primer.md
var primer []byte

// Result is a ranked section with its similarity score.
type Result struct {
	Heading string
	Snippet string
	Score   float64
}

// Option configures index construction.
type Option func(*config)

type config struct {
	minSectionRunes int
	stopwords       map[string]struct{}
	headingWeight   int
}

func defaultConfig() config {
	return config{
		minSectionRunes: 20,
		stopwords:       defaultStopwords,
		headingWeight:   2,
	}
}

// WithMinSectionRunes drops sections whose body is shorter than n runes.
func WithMinSectionRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minSectionRunes = n
		}
	}
}

// WithStopwords replaces the default stop-word list.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			if w = fold(strings.TrimSpace(w)); w != "" {
				m[w] = struct{}{}
			}
		}
		c.stopwords = m
	}
}

type section struct {
	heading string
	body    string
	tokens  map[string]struct{}
}

// Index ranks primer sections against free-text questions.
type Index struct {
	cfg      config
	sections []section
	byKey    map[string]int
}

// Default returns the index over the embedded primer.
func Default(opts ...Option) *Index {
	idx, _ := FromReader(bytes.NewReader(primer), opts...)
	return idx
}

// Load builds the index from the Markdown file at path, or from the embedded
// primer when path is empty.
func Load(path string, opts ...Option) (*Index, error) {
	if path == "" {
		return Default(opts...), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromReader(bytes.NewReader(b), opts...)
}

// FromReader builds the index from Markdown read from r. Text before the
// first heading is ignored.
func FromReader(r io.Reader, opts ...Option) (*Index, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	idx := &Index{cfg: cfg, byKey: map[string]int{}}
	for _, s := range splitSections(string(all)) {
		if utf8.RuneCountInString(s.body) < cfg.minSectionRunes {
			continue
		}
		s.tokens = tokenize(s.body, cfg.stopwords)
		for w := range tokenize(s.heading, cfg.stopwords) {
			s.tokens[w] = struct{}{}
		}
		if len(s.tokens) == 0 {
			continue
		}
		idx.byKey[fold(s.heading)] = len(idx.sections)
		idx.sections = append(idx.sections, s)
	}
	return idx, nil
}

// Len is the number of indexed sections.
func (i *Index) Len() int { return len(i.sections) }

// Lookup returns the section with the given heading, case-insensitively.
func (i *Index) Lookup(heading string) (string, bool) {
	n, ok := i.byKey[fold(strings.TrimSpace(heading))]
	if !ok {
		return "", false
	}
	return i.sections[n].body, true
}

// TopK returns up to k sections that share at least one token with q. A
// query word that names a section heading counts headingWeight times.
func (i *Index) TopK(q string, k int) []Result {
	if len(i.sections) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		Result
		lenRunes int
	}
	var buf []scored
	for _, s := range i.sections {
		over := overlap(qTokens, s.tokens)
		if over == 0 {
			continue
		}
		score := float64(over) / float64(len(qTokens)+len(s.tokens)-over)
		if _, named := qTokens[fold(s.heading)]; named {
			score *= float64(i.cfg.headingWeight)
		}
		buf = append(buf, scored{
			Result:   Result{Heading: s.heading, Snippet: s.body, Score: score},
			lenRunes: utf8.RuneCountInString(s.body),
		})
	}

	if len(buf) == 0 {
		return nil
	}
	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].Heading < buf[b].Heading
	})
	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := range out {
		out[n] = buf[n].Result
	}
	return out
}

var (
	wordRE    = regexp.MustCompile(`\p{L}+\p{N}*`)
	headingRE = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
)

func fold(s string) string { return cases.Fold().String(s) }

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(fold(s), -1)
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// splitSections groups lines under their nearest heading and joins the body
// into one whitespace-normalized paragraph.
func splitSections(md string) []section {
	var (
		out  []section
		cur  *section
		body []string
	)
	flush := func() {
		if cur != nil {
			cur.body = strings.Join(strings.Fields(strings.Join(body, " ")), " ")
			out = append(out, *cur)
		}
		body = body[:0]
	}
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if m := headingRE.FindStringSubmatch(line); m != nil {
			flush()
			cur = &section{heading: m[1]}
			continue
		}
		if cur != nil && line != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

var defaultStopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "be", "of", "to", "in", "on", "and", "or", "for", "with",
		"my", "me", "i", "you", "your", "it", "its", "what", "does", "do", "how", "why", "about", "tell",
		"mean", "means", "this", "that", "as", "at", "by", "can", "from",
		"и", "в", "на", "что", "как", "мой", "моя", "мое", "моё", "мне", "про", "о", "об", "это", "расскажи",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
