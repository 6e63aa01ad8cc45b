package intent

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var (
	correlationWords = set("combine", "combined", "compare", "comparing", "comparison", "join", "joined",
		"correlate", "correlation", "match", "matching", "reconcile", "reconciliation", "versus", "vs",
		"cross")

	outlierWords = set("outlier", "outliers", "anomaly", "anomalies", "anomalous", "unusual", "spike", "spikes")

	summaryWords = set("summary", "summarize", "summarise", "statistics", "stats", "average", "averages",
		"mean", "median", "distribution")

	retrievalWords = set("show", "list", "get", "fetch", "find", "count", "display", "retrieve", "pull",
		"give", "report", "query", "lookup", "search", "total", "totals", "which")

	calendarWords = set("today", "yesterday", "last", "this", "past", "previous", "week", "weeks", "month",
		"months", "year", "years", "day", "days", "hour", "hours", "monday", "tuesday", "wednesday",
		"thursday", "friday", "saturday", "sunday", "january", "february", "march", "april", "may", "june",
		"july", "august", "september", "october", "november", "december")

	languageWords = set("english", "french", "german", "spanish", "hindi", "italian", "portuguese", "chinese",
		"japanese", "markdown", "json", "yaml", "bullet", "bullets")

	stopWords = set("the", "a", "an", "and", "or", "of", "to", "in", "on", "for", "from", "with", "by", "at",
		"via", "using", "is", "are", "was", "were", "be", "been", "it", "its", "this", "that", "these", "those",
		"me", "my", "our", "us", "we", "you", "your", "i", "what", "how", "many", "much", "all", "every",
		"any", "some", "please", "can", "could", "would", "should", "do", "does", "did", "have", "has",
		"had", "there", "their", "them", "they", "than", "then", "into", "out", "up", "about", "as",
		"top", "first", "limit", "latest", "newest", "records", "rows", "results", "entries", "items",
		"where", "when", "who", "whom", "whose", "why", "not", "no", "yes", "along", "together", "between")
)
