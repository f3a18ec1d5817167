package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Per-backend stderr patterns that signal a rate limit. The CLIs print these
// in slightly different shapes across versions, so the patterns stay loose.
var rateLimitPatterns = map[Backend][]*regexp.Regexp{
	BackendClaude: {
		regexp.MustCompile(`(?i)usage limit reached`),
		regexp.MustCompile(`(?i)rate.?limit`),
		regexp.MustCompile(`(?i)overloaded_error`),
		regexp.MustCompile(`(?i)\b429\b`),
	},
	BackendCodex: {
		regexp.MustCompile(`(?i)rate.?limit`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)quota exceeded`),
		regexp.MustCompile(`(?i)\b429\b`),
	},
	BackendGemini: {
		regexp.MustCompile(`RESOURCE_EXHAUSTED`),
		regexp.MustCompile(`(?i)rateLimitExceeded`),
		regexp.MustCompile(`(?i)quota`),
		regexp.MustCompile(`(?i)\b429\b`),
	},
	BackendOpenCode: {
		regexp.MustCompile(`(?i)rate.?limit`),
		regexp.MustCompile(`(?i)\b429\b`),
	},
}

// retryAfterRE pulls "retry in 90 seconds" / "try again in 5 minutes" style
// hints out of the matched line.
var retryAfterRE = regexp.MustCompile(`(?i)(?:retry|try again|resets?|wait)\D{0,20}?(\d+)\s*(seconds?|secs?|s\b|minutes?|mins?|m\b|hours?|hrs?|h\b)`)

// DetectRateLimit reports whether a CLI output line is a rate-limit signal
// and the cooldown it implies. A zero cooldown with ok=true means the line
// carried no retry-after hint; callers apply their default.
func DetectRateLimit(b Backend, line string) (time.Duration, bool) {
	matched := false
	for _, re := range rateLimitPatterns[b] {
		if re.MatchString(line) {
			matched = true
			break
		}
	}
	if !matched {
		return 0, false
	}
	m := retryAfterRE.FindStringSubmatch(line)
	if m == nil {
		return 0, true
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, true
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "h"):
		return time.Duration(n) * time.Hour, true
	case strings.HasPrefix(unit, "m"):
		return time.Duration(n) * time.Minute, true
	default:
		return time.Duration(n) * time.Second, true
	}
}
