package domain

import (
	"testing"
	"time"
)

func TestDetectRateLimit(t *testing.T) {
	cases := []struct {
		name     string
		backend  Backend
		line     string
		want     bool
		cooldown time.Duration
	}{
		{"claude usage limit", BackendClaude, "Claude usage limit reached. Your limit will reset at 3pm.", true, 0},
		{"claude 429", BackendClaude, `API error: 429 {"type":"error"}`, true, 0},
		{"claude overloaded", BackendClaude, `{"type":"overloaded_error","message":"Overloaded"}`, true, 0},
		{"claude clean line", BackendClaude, "Wrote 42 lines to main.go", false, 0},
		{"claude retry seconds", BackendClaude, "Rate limited. Please retry in 90 seconds.", true, 90 * time.Second},
		{"claude retry minutes", BackendClaude, "rate limit hit, try again in 5 minutes", true, 5 * time.Minute},
		{"claude retry hours", BackendClaude, "usage limit reached, resets in 2 hours", true, 2 * time.Hour},
		{"codex too many requests", BackendCodex, "openai: Too Many Requests", true, 0},
		{"codex quota", BackendCodex, "error: quota exceeded for this billing period", true, 0},
		{"gemini resource exhausted", BackendGemini, "rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED", true, 0},
		{"gemini quota", BackendGemini, "Quota exceeded for quota metric 'requests'", true, 0},
		{"opencode rate limit", BackendOpenCode, "provider returned rate-limit error", true, 0},
		{"opencode clean", BackendOpenCode, "build complete", false, 0},
		{"foreign backend pattern", BackendOpenCode, "RESOURCE_EXHAUSTED", false, 0},
		{"number not a status", BackendClaude, "processed 4290 records", false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cooldown, ok := DetectRateLimit(tc.backend, tc.line)
			if ok != tc.want {
				t.Fatalf("matched = %v, want %v", ok, tc.want)
			}
			if cooldown != tc.cooldown {
				t.Fatalf("cooldown = %v, want %v", cooldown, tc.cooldown)
			}
		})
	}
}
