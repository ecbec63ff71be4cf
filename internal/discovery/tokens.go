package discovery

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/prospect-engine/internal/model"
)

// minTokenLen is the shortest token kept.
const minTokenLen = 3

// defaultStopwords are dropped in addition to any configured stopwords.
var defaultStopwords = []string{"api", "sdk", "sso", "the", "and", "for", "with", "inc", "llc", "ltd", "com"}

// Tokenizer splits lead metadata into normalized tokens.
type Tokenizer struct {
	stop map[string]struct{}
}

// NewTokenizer creates a Tokenizer that drops the default stopwords plus extra.
func NewTokenizer(extra []string) *Tokenizer {
	t := &Tokenizer{stop: make(map[string]struct{}, len(defaultStopwords)+len(extra))}
	for _, w := range slices.Concat(defaultStopwords, extra) {
		if w = fold(w); w != "" {
			t.stop[w] = struct{}{}
		}
	}
	return t
}

// Tokens returns the normalized tokens of text in order of appearance.
// Duplicates are kept.
func (t *Tokenizer) Tokens(text string) []string {
	fields := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if t.keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// Document returns the distinct tokens of a lead: its profile fields and
// the phrases its matched signals hit on.
func (t *Tokenizer) Document(p model.Profile, b model.Breakdown) map[string]struct{} {
	doc := make(map[string]struct{})
	add := func(s string) {
		for _, tok := range t.Tokens(s) {
			doc[tok] = struct{}{}
		}
	}
	add(p.Name)
	add(p.Industry)
	add(p.Description)
	for _, k := range p.Keywords {
		add(k)
	}
	for _, m := range b {
		for _, phrase := range m.Matches {
			add(phrase)
		}
	}
	return doc
}

func (t *Tokenizer) keep(tok string) bool {
	if len([]rune(tok)) < minTokenLen {
		return false
	}
	if _, ok := t.stop[tok]; ok {
		return false
	}
	return strings.ContainsFunc(tok, func(r rune) bool { return !unicode.IsDigit(r) })
}

func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}
