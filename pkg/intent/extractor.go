// Package intent turns a question into an explicit Query Intent.
//
// Extraction is pure and deterministic given the clock. Recognized
// parameters and their defaults:
//
//   - time range: today, yesterday, this/last week|month|year,
//     last/past N hours|days|weeks|months. Default: unbounded.
//   - limit: "top N", "first N", "limit N", "latest N", "N records|rows".
//     "all" asks for the maximum cap. Default: the adapter default cap.
//   - correlate: compare, combine, join, correlate, match, reconcile,
//     versus/vs, "along with", or two explicitly named sources. Default off.
//   - analysis: outliers/anomalies, or summary/statistics/average/mean/
//     median/distribution. Default none.
//   - filters: "field = value" and "where field is value".
//   - entities: words matching a source's declared entities.
//   - mentions: words matching a source id or alias.
//   - unresolved: capitalized names after from/in/on/via/using/at that
//     match no registered source.
//
// Target sources are the mentioned sources when any are named, otherwise
// every source that declares a matched entity.
package intent

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Extractor builds intents.
type Extractor struct {
	now func() time.Time
	loc *time.Location
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock sets the reference clock for relative time ranges.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithLocation sets the timezone used for calendar boundaries.
func WithLocation(loc *time.Location) Option {
	return func(e *Extractor) { e.loc = loc }
}

// NewExtractor creates an extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	reRelative   = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d+)\s+(hour|day|week|month)s?\b`)
	reCalendar   = regexp.MustCompile(`\b(this|last|previous|past)\s+(week|month|year)\b`)
	reDay        = regexp.MustCompile(`\b(today|yesterday)\b`)
	reLimit      = regexp.MustCompile(`\b(?:top|first|limit|latest|newest)\s+(\d+)\b`)
	reLimitTail  = regexp.MustCompile(`\b(\d+)\s+(?:records|rows|results|entries|items)\b`)
	reAll        = regexp.MustCompile(`\b(?:all|every)\b`)
	reFilterEq   = regexp.MustCompile(`\b([a-z_][a-z0-9_]*)\s*==?\s*("[^"]*"|'[^']*'|[a-z0-9_.@-]+)`)
	reFilterIs   = regexp.MustCompile(`\bwhere\s+([a-z_][a-z0-9_]*)\s+is\s+("[^"]*"|'[^']*'|[a-z0-9_.@-]+)`)
	reUnresolved = regexp.MustCompile(`\b(?:from|in|on|via|using|at)\s+([A-Z][A-Za-z0-9_-]*)`)
	reToken      = regexp.MustCompile(`[a-z0-9_]+`)
)

// Extract builds the intent for text against the given sources.
func (e *Extractor) Extract(text string, sources []adapter.Descriptor) *adapter.Intent {
	lower := strings.ToLower(text)
	tokens := reToken.FindAllString(lower, -1)
	tokenSet := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = true
	}

	in := &adapter.Intent{RawText: text}
	p := &in.Params

	p.TimeRange = e.timeRange(lower)
	p.Limit = limit(lower)
	p.Filters = filters(lower)
	p.Analysis = analysis(tokenSet)
	p.Retrieval = hasAny(tokenSet, retrievalWords) || strings.Contains(lower, "how many")

	mentioned, entitySources, entities := matchSources(lower, tokenSet, sources)
	p.Mentions = mentioned.ids
	p.Entities = entities
	p.Correlate = hasAny(tokenSet, correlationWords) ||
		strings.Contains(lower, "along with") ||
		strings.Contains(lower, "together with") ||
		len(mentioned.ids) > 1

	targets := mentioned.ids
	if len(targets) == 0 {
		targets = entitySources
	}
	for _, id := range targets {
		in.AddTarget(id)
	}

	p.Unresolved = unresolved(text, mentioned.names)
	p.Terms = terms(tokens, mentioned.names, entities)
	return in
}

func (e *Extractor) timeRange(lower string) *adapter.TimeRange {
	now := e.now().In(e.loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)

	if m := reRelative.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return nil
		}
		var from time.Time
		switch m[2] {
		case "hour":
			from = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			from = now.AddDate(0, 0, -n)
		case "week":
			from = now.AddDate(0, 0, -7*n)
		case "month":
			from = now.AddDate(0, -n, 0)
		}
		return &adapter.TimeRange{From: from, To: now, Label: m[0]}
	}

	if m := reCalendar.FindStringSubmatch(lower); m != nil {
		previous := m[1] != "this"
		var from, to time.Time
		switch m[2] {
		case "week":
			offset := (int(startOfDay.Weekday()) + 6) % 7
			from = startOfDay.AddDate(0, 0, -offset)
			to = from.AddDate(0, 0, 7)
			if previous {
				from, to = from.AddDate(0, 0, -7), from
			}
		case "month":
			from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.loc)
			to = from.AddDate(0, 1, 0)
			if previous {
				from, to = from.AddDate(0, -1, 0), from
			}
		case "year":
			from = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, e.loc)
			to = from.AddDate(1, 0, 0)
			if previous {
				from, to = from.AddDate(-1, 0, 0), from
			}
		}
		return &adapter.TimeRange{From: from, To: to, Label: m[0]}
	}

	if m := reDay.FindStringSubmatch(lower); m != nil {
		if m[1] == "today" {
			return &adapter.TimeRange{From: startOfDay, To: startOfDay.AddDate(0, 0, 1), Label: m[0]}
		}
		return &adapter.TimeRange{From: startOfDay.AddDate(0, 0, -1), To: startOfDay, Label: m[0]}
	}
	return nil
}

func limit(lower string) int {
	for _, re := range []*regexp.Regexp{reLimit, reLimitTail} {
		if m := re.FindStringSubmatch(lower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	if reAll.MatchString(lower) {
		return adapter.MaxResultCap
	}
	return 0
}

func filters(lower string) map[string]string {
	out := map[string]string{}
	for _, re := range []*regexp.Regexp{reFilterEq, reFilterIs} {
		for _, m := range re.FindAllStringSubmatch(lower, -1) {
			out[m[1]] = strings.Trim(m[2], `"'`)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func analysis(tokens map[string]bool) adapter.Analysis {
	switch {
	case hasAny(tokens, outlierWords):
		return adapter.AnalysisOutliers
	case hasAny(tokens, summaryWords):
		return adapter.AnalysisSummary
	default:
		return adapter.AnalysisNone
	}
}

type mentions struct {
	ids   []string
	names map[string]bool
}

// matchSources finds explicitly named sources and sources whose declared
// entities appear in the question.
func matchSources(lower string, tokens map[string]bool, sources []adapter.Descriptor) (mentions, []string, []string) {
	m := mentions{names: map[string]bool{}}
	var entitySources []string
	entitySet := map[string]bool{}

	for _, src := range sources {
		for _, name := range src.Names() {
			if containsName(lower, tokens, name) {
				if !slices.Contains(m.ids, src.ID) {
					m.ids = append(m.ids, src.ID)
				}
				for _, part := range reToken.FindAllString(name, -1) {
					m.names[part] = true
				}
			}
		}

		matched := false
		for _, entity := range src.Entities {
			ent := strings.ToLower(entity)
			if tokens[ent] || tokens[singular(ent)] || tokens[ent+"s"] {
				entitySet[ent] = true
				matched = true
			}
		}
		if matched {
			entitySources = append(entitySources, src.ID)
		}
	}

	entities := make([]string, 0, len(entitySet))
	for ent := range entitySet {
		entities = append(entities, ent)
	}
	sort.Strings(entities)
	sort.Strings(m.ids)
	sort.Strings(entitySources)
	return m, entitySources, entities
}

func containsName(lower string, tokens map[string]bool, name string) bool {
	if name == "" {
		return false
	}
	if !strings.ContainsAny(name, " -.") {
		return tokens[name]
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\b`)
	return err == nil && re.MatchString(lower)
}

func unresolved(text string, known map[string]bool) []string {
	var out []string
	for _, m := range reUnresolved.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		if known[name] || stopWords[name] || calendarWords[name] || languageWords[name] {
			continue
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func terms(tokens []string, names map[string]bool, entities []string) []string {
	seen := map[string]bool{}
	for _, e := range entities {
		seen[e] = true
	}
	var out []string
	for _, tok := range tokens {
		if len(tok) < 3 || seen[tok] || names[tok] || stopWords[tok] || calendarWords[tok] ||
			retrievalWords[tok] || correlationWords[tok] || isNumber(tok) {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func singular(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "s") && len(word) > 3:
		return word[:len(word)-1]
	default:
		return word
	}
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func hasAny(tokens map[string]bool, words map[string]bool) bool {
	for w := range words {
		if tokens[w] {
			return true
		}
	}
	return false
}
