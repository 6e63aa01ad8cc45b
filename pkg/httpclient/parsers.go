package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseStandardHeaders reads Retry-After (seconds or HTTP date) and the
// common X-RateLimit-* headers.
func ParseStandardHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(at); d > 0 {
				info.RetryAfter = d
			}
		}
	}

	for _, name := range []string{"X-RateLimit-Reset", "X-Ratelimit-Reset-Requests"} {
		if v := headers.Get(name); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}

	if v := headers.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}

	return info
}
