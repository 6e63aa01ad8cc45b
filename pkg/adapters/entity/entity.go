// Package entity picks the table, collection, sheet or endpoint an intent
// refers to. Every adapter uses the same rules so routing stays predictable.
package entity

import (
	"strings"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Pick returns the candidate the intent refers to, or "" when it cannot
// tell. Schema hints for sourceID win over words in the question. A source
// with a single candidate always resolves to it.
func Pick(candidates []string, in *adapter.Intent, sourceID string) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, h := range in.HintsFor(sourceID) {
		if c := lookup(candidates, h.Entity); c != "" {
			return c
		}
	}
	for _, w := range in.Words() {
		if c := lookup(candidates, w); c != "" {
			return c
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return ""
}

func lookup(candidates []string, word string) string {
	if word == "" {
		return ""
	}
	for _, c := range candidates {
		if Matches(c, word) {
			return c
		}
	}
	return ""
}

// Matches reports whether name and word denote the same entity, ignoring
// case, plural forms and schema prefixes such as "public.orders".
func Matches(name, word string) bool {
	n := strings.ToLower(name)
	if i := strings.LastIndexByte(n, '.'); i >= 0 {
		n = n[i+1:]
	}
	w := strings.ToLower(word)
	if n == w {
		return true
	}
	return Singular(n) == Singular(w)
}

// Singular strips common English plural suffixes.
func Singular(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "sses"), strings.HasSuffix(word, "xes"), strings.HasSuffix(word, "ches"):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "ss"):
		return word
	case strings.HasSuffix(word, "s") && len(word) > 3:
		return word[:len(word)-1]
	}
	return word
}
