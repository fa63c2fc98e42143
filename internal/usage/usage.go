// Package usage normalizes heterogeneous usage reports into a canonical
// token triple. Upstream agent frameworks each report token counts in
// their own shape; the matchers here are tried in priority order and the
// first recognized shape wins.
package usage

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUsageNotFound means no recognizable usage shape was present. Callers
// skip settlement rather than fail the request.
var ErrUsageNotFound = errors.New("no recognizable usage data found")

// Report is the canonical token triple.
type Report struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
	TotalTokens  uint64 `json:"total_tokens"`
}

// matcher extracts a Report from a flat map, reporting ok=false when the
// shape does not apply.
type matcher func(m map[string]any) (Report, bool)

// Ordered by priority: generic/Anthropic, OpenAI, Gemini, Cohere.
var matchers = []matcher{
	matchKeys("input_tokens", "output_tokens", "total_tokens"),
	matchKeys("prompt_tokens", "completion_tokens", "total_tokens"),
	matchKeys("promptTokenCount", "candidatesTokenCount", "totalTokenCount"),
	matchCohere,
	matchStatistics,
}

// Parse extracts a canonical Report from an arbitrary usage mapping.
// One level of nesting under "usage", "meta.usage", and "statistics" is
// recognized. Pure and deterministic.
func Parse(data map[string]any) (Report, error) {
	if data == nil {
		return Report{}, ErrUsageNotFound
	}

	for _, match := range matchers {
		if r, ok := match(data); ok {
			return r, nil
		}
	}

	// Nested shapes: usage, meta.usage.
	if nested, ok := data["usage"].(map[string]any); ok {
		if r, err := Parse(nested); err == nil {
			return r, nil
		}
	}
	if meta, ok := data["meta"].(map[string]any); ok {
		if nested, ok := meta["usage"].(map[string]any); ok {
			if r, err := Parse(nested); err == nil {
				return r, nil
			}
		}
	}

	return Report{}, ErrUsageNotFound
}

// matchKeys builds a matcher for a flat {in, out, total} key set. Either
// the input or the output key must be present; a missing total is derived
// as input+output, a supplied total is trusted as-is.
func matchKeys(inKey, outKey, totalKey string) matcher {
	return func(m map[string]any) (Report, bool) {
		in, inOK := toUint(m[inKey])
		out, outOK := toUint(m[outKey])
		if !inOK && !outOK {
			return Report{}, false
		}
		total, totalOK := toUint(m[totalKey])
		if !totalOK {
			total = in + out
		}
		return Report{InputTokens: in, OutputTokens: out, TotalTokens: total}, true
	}
}

// matchCohere handles the Cohere shape: "tokens" carries the total, with
// optional input_tokens/output_tokens alongside.
func matchCohere(m map[string]any) (Report, bool) {
	total, ok := toUint(m["tokens"])
	if !ok {
		return Report{}, false
	}
	in, _ := toUint(m["input_tokens"])
	out, _ := toUint(m["output_tokens"])
	return Report{InputTokens: in, OutputTokens: out, TotalTokens: total}, true
}

// matchStatistics handles a nested "statistics" block with several key
// aliases per field.
func matchStatistics(m map[string]any) (Report, bool) {
	stats, ok := m["statistics"].(map[string]any)
	if !ok {
		return Report{}, false
	}
	in, inOK := firstUint(stats, "input_tokens", "prompt_tokens", "tokens_in")
	out, outOK := firstUint(stats, "output_tokens", "completion_tokens", "tokens_out")
	if !inOK && !outOK {
		return Report{}, false
	}
	total, totalOK := firstUint(stats, "total_tokens", "tokens")
	if !totalOK {
		total = in + out
	}
	return Report{InputTokens: in, OutputTokens: out, TotalTokens: total}, true
}

func firstUint(m map[string]any, keys ...string) (uint64, bool) {
	for _, k := range keys {
		if v, ok := toUint(m[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// toUint coerces ints, floats, and numeric strings. Negative and
// non-numeric values are rejected.
func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || f < 0 {
			return 0, false
		}
		return uint64(f), true
	default:
		return 0, false
	}
}
