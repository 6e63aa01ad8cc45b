// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package classifier

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Heuristic is the deterministic fallback classifier. It scores keyword
// groups and question length; the same input always yields the same
// decision.
type Heuristic struct {
	counter    TokenCounter
	longTokens int
}

// NewHeuristic creates a heuristic using counter for the length feature.
func NewHeuristic(counter TokenCounter, longTokens int) *Heuristic {
	if counter == nil {
		counter = WordCounter{}
	}
	if longTokens <= 0 {
		longTokens = DefaultLongQuestionTokens
	}
	return &Heuristic{counter: counter, longTokens: longTokens}
}

const (
	overpoweredScore = 3
	trivialScore     = 0
)

// Classify scores the request. Scores at or above 3 are overpowered, at or
// below 0 trivial; anything between is ambiguous and resolves to trivial.
func (h *Heuristic) Classify(req Request) Decision {
	text := strings.ToLower(req.Text + " " + req.ContextHint)
	words := wordPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}

	score := 0
	var signals []string
	add := func(points int, signal string) {
		score += points
		signals = append(signals, fmt.Sprintf("%s%+d", signal, points))
	}

	if anyOf(seen, dataNouns) {
		add(2, "data")
	}
	if anyOf(seen, retrievalVerbs) || strings.Contains(text, "how many") {
		add(1, "retrieval")
	}
	if anyOf(seen, timeWords) {
		add(1, "time")
	}
	if anyOf(seen, crossSourceWords) {
		add(2, "cross-source")
	}
	if anyOf(seen, analysisWords) {
		add(2, "analysis")
	}
	if h.counter.Count(req.Text) > h.longTokens {
		add(1, "length")
	}
	if anyOf(seen, transformWords) {
		add(-2, "transform")
	}
	if strings.Contains(req.Text, "```") {
		add(-1, "inline-text")
	}

	reason := "heuristic " + strings.Join(signals, ",")
	switch {
	case score >= overpoweredScore:
		return Decision{Tier: TierOverpowered, Confidence: scoreConfidence(score - overpoweredScore), Path: PathFallback, Reason: reason}
	case score <= trivialScore:
		return Decision{Tier: TierTrivial, Confidence: scoreConfidence(trivialScore - score), Path: PathFallback, Reason: reason}
	default:
		return Decision{Tier: TierTrivial, Confidence: 0.5, Path: PathFallback, Reason: reason + " ambiguous, default trivial"}
	}
}

func scoreConfidence(margin int) float64 {
	return math.Min(0.6+0.1*float64(margin), 0.95)
}

func anyOf(seen map[string]bool, words []string) bool {
	for _, w := range words {
		if seen[w] {
			return true
		}
	}
	return false
}

var (
	dataNouns = []string{
		"order", "orders", "payment", "payments", "transaction", "transactions", "shipment", "shipments",
		"customer", "customers", "invoice", "invoices", "revenue", "sales", "inventory", "stock", "refund",
		"refunds", "records", "rows", "table", "tables", "database", "db", "report", "kpi", "users",
		"accounts", "settlements", "deliveries", "courier", "awb", "products", "sku", "documents",
	}
	retrievalVerbs = []string{
		"show", "list", "fetch", "get", "find", "count", "display", "retrieve", "pull", "lookup", "search",
		"total", "which",
	}
	timeWords = []string{
		"today", "yesterday", "week", "month", "year", "quarter", "daily", "weekly", "monthly", "since",
		"between", "days", "hours",
	}
	crossSourceWords = []string{
		"compare", "combine", "join", "correlate", "reconcile", "versus", "vs", "match", "cross",
	}
	analysisWords = []string{
		"outlier", "outliers", "anomaly", "anomalies", "trend", "trends", "average", "median", "statistics",
		"distribution", "forecast",
	}
	transformWords = []string{
		"rewrite", "rephrase", "paraphrase", "translate", "proofread", "grammar", "reword", "shorten",
		"poem", "joke", "hello", "hi", "thanks", "define", "explain", "draft", "email",
	}
)
