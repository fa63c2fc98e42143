package usage

import (
	"errors"
	"testing"
)

// ── Shape matching ────────────────────────────────────────────────────────────

func TestParseShapes(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want Report
	}{
		{
			name: "anthropic top level",
			data: map[string]any{"input_tokens": 1000, "output_tokens": 500, "total_tokens": 1500},
			want: Report{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
		},
		{
			name: "openai nested under usage",
			data: map[string]any{
				"id": "cmpl-1",
				"usage": map[string]any{
					"prompt_tokens":     float64(120),
					"completion_tokens": float64(30),
					"total_tokens":      float64(150),
				},
			},
			want: Report{InputTokens: 120, OutputTokens: 30, TotalTokens: 150},
		},
		{
			name: "gemini camel case",
			data: map[string]any{
				"promptTokenCount":     7,
				"candidatesTokenCount": 11,
				"totalTokenCount":      18,
			},
			want: Report{InputTokens: 7, OutputTokens: 11, TotalTokens: 18},
		},
		{
			name: "cohere meta usage",
			data: map[string]any{
				"meta": map[string]any{
					"usage": map[string]any{
						"tokens":        42,
						"input_tokens":  30,
						"output_tokens": 12,
					},
				},
			},
			want: Report{InputTokens: 30, OutputTokens: 12, TotalTokens: 42},
		},
		{
			name: "statistics aliases",
			data: map[string]any{
				"statistics": map[string]any{"tokens_in": 64, "tokens_out": 16},
			},
			want: Report{InputTokens: 64, OutputTokens: 16, TotalTokens: 80},
		},
		{
			name: "numeric strings",
			data: map[string]any{"input_tokens": "250", "output_tokens": "50"},
			want: Report{InputTokens: 250, OutputTokens: 50, TotalTokens: 300},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.data)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

// ── Total derivation ──────────────────────────────────────────────────────────

func TestParseDerivesMissingTotal(t *testing.T) {
	got, err := Parse(map[string]any{"input_tokens": 10, "output_tokens": 5})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", got.TotalTokens)
	}
}

func TestParseTrustsSuppliedTotal(t *testing.T) {
	// An inconsistent supplied total is kept, not re-derived.
	got, err := Parse(map[string]any{"input_tokens": 10, "output_tokens": 5, "total_tokens": 99})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.TotalTokens != 99 {
		t.Errorf("TotalTokens = %d, want 99", got.TotalTokens)
	}
}

// ── Unrecognized input ────────────────────────────────────────────────────────

func TestParseNotFound(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
	}{
		{"nil map", nil},
		{"empty map", map[string]any{}},
		{"unrelated keys", map[string]any{"text": "hello", "model": "m1"}},
		{"negative count rejected", map[string]any{"input_tokens": -5}},
		{"usage too deep", map[string]any{
			"outer": map[string]any{"usage": map[string]any{"input_tokens": 1, "output_tokens": 1}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.data); !errors.Is(err, ErrUsageNotFound) {
				t.Errorf("err = %v, want ErrUsageNotFound", err)
			}
		})
	}
}

func TestParsePriorityOrder(t *testing.T) {
	// When two shapes are present the higher-priority one wins.
	got, err := Parse(map[string]any{
		"input_tokens":  1,
		"output_tokens": 2,
		"prompt_tokens": 100, "completion_tokens": 200,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.InputTokens != 1 || got.OutputTokens != 2 {
		t.Errorf("got %+v, want the input_tokens shape to win", got)
	}
}
